package soundmic

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundmic/pkg/soundmic/pads"
	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
)

// ConfigManager loads the user configuration and reloads it when the file changes
type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	path       string
	userConfig *viper.Viper

	mu      sync.RWMutex
	current Config
}

// Config is the decoded user configuration
type Config struct {
	Backend       string        `mapstructure:"backend"`
	SampleRate    int           `mapstructure:"sample_rate"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReapTolerance time.Duration `mapstructure:"reap_tolerance"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`

	VirtualMic struct {
		SinkName          string `mapstructure:"sink_name"`
		SourceName        string `mapstructure:"source_name"`
		IncludeMicrophone bool   `mapstructure:"include_microphone"`
		MonitorPlayback   bool   `mapstructure:"monitor_playback"`
		LoopbackLatencyMS int    `mapstructure:"loopback_latency_ms"`
		StreamName        string `mapstructure:"stream_name"`
	} `mapstructure:"virtual_mic"`

	Bridge struct {
		CablePatterns []string `mapstructure:"cable_patterns"`
		RingSeconds   float64  `mapstructure:"ring_seconds"`
	} `mapstructure:"bridge"`

	Sounds struct {
		Directories []string `mapstructure:"directories"`
		Extensions  []string `mapstructure:"extensions"`
	} `mapstructure:"sounds"`

	// pad number -> sound path, keys stay strings since viper maps are string-keyed
	Pads map[string]string `mapstructure:"pads"`

	BLEPads     bool `mapstructure:"ble_pads"`
	DisableTray bool `mapstructure:"disable_tray"`
}

const (
	// DefaultConfigPath is read when no other path is given.
	DefaultConfigPath = "config.yaml"

	configType = "yaml"

	backendAuto     = "auto"
	backendPulse    = "pulse"
	backendBridge   = "bridge"
	backendFallback = "fallback"

	configKeyBackend           = "backend"
	configKeySampleRate        = "sample_rate"
	configKeyPollInterval      = "poll_interval"
	configKeyReapTolerance     = "reap_tolerance"
	configKeyTickInterval      = "tick_interval"
	configKeySinkName          = "virtual_mic.sink_name"
	configKeySourceName        = "virtual_mic.source_name"
	configKeyIncludeMicrophone = "virtual_mic.include_microphone"
	configKeyMonitorPlayback   = "virtual_mic.monitor_playback"
	configKeyLoopbackLatency   = "virtual_mic.loopback_latency_ms"
	configKeyStreamName        = "virtual_mic.stream_name"
	configKeyCablePatterns     = "bridge.cable_patterns"
	configKeyRingSeconds       = "bridge.ring_seconds"
	configKeySoundDirectories  = "sounds.directories"
	configKeySoundExtensions   = "sounds.extensions"
	configKeyPads              = "pads"
	configKeyBLEPads           = "ble_pads"
	configKeyDisableTray       = "disable_tray"
)

// NewConfig creates a config manager for the YAML file at path
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if path == "" {
		path = DefaultConfigPath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               path,
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeyBackend, backendAuto)
	userConfig.SetDefault(configKeySampleRate, 48000)
	userConfig.SetDefault(configKeyPollInterval, 3*time.Second)
	userConfig.SetDefault(configKeyReapTolerance, 4*time.Millisecond)
	userConfig.SetDefault(configKeyTickInterval, 50*time.Millisecond)
	userConfig.SetDefault(configKeySinkName, "VirtualMic")
	userConfig.SetDefault(configKeySourceName, "VirtualMicSource")
	userConfig.SetDefault(configKeyIncludeMicrophone, true)
	userConfig.SetDefault(configKeyMonitorPlayback, true)
	userConfig.SetDefault(configKeyLoopbackLatency, 30)
	userConfig.SetDefault(configKeyStreamName, "soundmic.playback")
	userConfig.SetDefault(configKeyCablePatterns, []string{"CABLE Input", "VB-Audio"})
	userConfig.SetDefault(configKeyRingSeconds, 1.0)
	userConfig.SetDefault(configKeySoundDirectories, []string{})
	userConfig.SetDefault(configKeySoundExtensions, []string{"mp3", "flac", "wav", "ogg"})
	userConfig.SetDefault(configKeyPads, map[string]string{})
	userConfig.SetDefault(configKeyBLEPads, false)
	userConfig.SetDefault(configKeyDisableTray, false)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Path returns the config file location
func (cc *ConfigManager) Path() string {
	return cc.path
}

// Current returns a copy of the last successfully loaded configuration
func (cc *ConfigManager) Current() Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.current
}

// Load reads the config file, keeping the previous values when it is invalid
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	// make sure it exists
	if !util.FileExists(cc.path) {
		cc.logger.Warnw("Config file not found", "path", cc.path)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must be in the same directory as soundmic. Please re-launch", filepath.Base(cc.path)))

		return fmt.Errorf("config file doesn't exist: %s", cc.path)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", filepath.Base(cc.path)))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check soundmic's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"backend", current.Backend,
		"sampleRate", current.SampleRate,
		"sinkName", current.VirtualMic.SinkName,
		"soundDirectories", current.Sounds.Directories,
		"pads", len(current.Pads))

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors write the file twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})
	cc.userConfig.WatchConfig()

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if err := next.validate(); err != nil {
		return err
	}

	cc.mu.Lock()
	cc.current = next
	cc.mu.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (c Config) validate() error {
	switch c.Backend {
	case backendAuto, backendPulse, backendBridge, backendFallback:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.PollInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("poll and tick intervals must be positive")
	}
	if c.ReapTolerance < 0 {
		return fmt.Errorf("negative reap tolerance %s", c.ReapTolerance)
	}

	return nil
}

// PadMapping converts the configured pads to a mapping, expanding ~ in paths.
// Entries whose key is not a number are skipped.
func (c Config) PadMapping(logger *zap.SugaredLogger) pads.Mapping {
	mapping := pads.Mapping{}

	for key, path := range c.Pads {
		pad, err := strconv.Atoi(key)
		if err != nil {
			logger.Warnw("Ignoring pad mapping with a non-numeric pad", "pad", key)
			continue
		}

		expanded, err := homedir.Expand(path)
		if err != nil {
			logger.Warnw("Failed to expand pad sound path", "pad", pad, "path", path, "error", err)
			continue
		}

		mapping[pad] = expanded
	}

	return mapping
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
