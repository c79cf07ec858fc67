package playback

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

const resampleQuality = 4

// Format is a decodable container.
type Format string

const (
	FormatMP3    Format = "mp3"
	FormatFLAC   Format = "flac"
	FormatWAV    Format = "wav"
	FormatVorbis Format = "vorbis"
)

type decodeFunc func(f *os.File) (beep.StreamSeekCloser, beep.Format, error)

var decoders = map[Format]decodeFunc{
	FormatMP3:    func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return mp3.Decode(f) },
	FormatFLAC:   func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return flac.Decode(f) },
	FormatWAV:    func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(f) },
	FormatVorbis: func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return vorbis.Decode(f) },
}

// DetectFormat identifies a container from its first bytes, falling back to
// the file extension for headerless MPEG streams.
func DetectFormat(header []byte, path string) (Format, bool) {
	switch {
	case bytes.HasPrefix(header, []byte("fLaC")):
		return FormatFLAC, true
	case bytes.HasPrefix(header, []byte("OggS")):
		return FormatVorbis, true
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return FormatWAV, true
	case bytes.HasPrefix(header, []byte("ID3")):
		return FormatMP3, true
	case len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		return FormatMP3, true
	}

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return FormatMP3, true
	}

	return "", false
}

// decoded is one open, decoding stream of a file.
type decoded struct {
	file     *os.File
	streamer beep.StreamSeekCloser
	format   beep.Format
}

func (d *decoded) Close() error {
	err := d.streamer.Close()
	_ = d.file.Close()

	return err
}

// duration returns the total length of the stream.
func (d *decoded) duration() time.Duration {
	return d.format.SampleRate.D(d.streamer.Len())
}

// decodeFile opens and decodes path.
func decodeFile(path string) (*decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		_ = f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	format, ok := DetectFormat(header[:n], path)
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rewind %s: %w", path, err)
	}

	streamer, beepFormat, err := decoders[format](f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode %s as %s: %w", path, format, err)
	}

	return &decoded{file: f, streamer: streamer, format: beepFormat}, nil
}

// at returns the stream resampled to rate.
func (d *decoded) at(rate beep.SampleRate) beep.Streamer {
	if d.format.SampleRate == rate {
		return d.streamer
	}

	return beep.Resample(resampleQuality, d.format.SampleRate, rate, d.streamer)
}
