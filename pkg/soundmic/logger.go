package soundmic

import (
	"fmt"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
)

const (
	buildTypeRelease = "release"

	logDirectory = "logs"
	logFilename  = "soundmic.log"

	logRotateThresholdKB = 1024
	logRotateMaxRolls    = 10
)

// NewLogger provides a logger instance for the whole program.
// Release builds log to a rotated file in the log directory, everything else logs to the console.
func NewLogger(buildType string, verbose bool) (*zap.SugaredLogger, error) {
	if buildType != buildTypeRelease {
		loggerConfig := zap.NewDevelopmentConfig()

		// make it colorful
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		logger, err := loggerConfig.Build()
		if err != nil {
			return nil, fmt.Errorf("create zap logger: %w", err)
		}

		return logger.Sugar(), nil
	}

	if err := util.EnsureDirExists(logDirectory); err != nil {
		return nil, fmt.Errorf("ensure log directory exists: %w", err)
	}

	logRotator, err := rotator.New(filepath.Join(logDirectory, logFilename), logRotateThresholdKB, false, logRotateMaxRolls)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}

	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(logRotator), level)

	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
