package vmic

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

const periodSizeMS = 10

// audioDevice is the part of *malgo.Device the backends drive.
type audioDevice interface {
	Start() error
	Stop() error
	Uninit()
}

func initAudioContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	return ctx, nil
}

func freeAudioContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// matchDevice returns the index of the first name containing one of patterns,
// ignoring case.
func matchDevice(names []string, patterns []string) (int, bool) {
	for i, name := range names {
		lower := strings.ToLower(name)
		for _, pattern := range patterns {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				return i, true
			}
		}
	}

	return -1, false
}

// findDevice looks for a device whose name matches one of patterns.
func findDevice(ctx *malgo.AllocatedContext, typ malgo.DeviceType, patterns []string) (malgo.DeviceInfo, error) {
	devices, err := ctx.Devices(typ)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("list audio devices: %w", err)
	}

	names := make([]string, len(devices))
	for i, device := range devices {
		names[i] = device.Name()
	}

	idx, ok := matchDevice(names, patterns)
	if !ok {
		return malgo.DeviceInfo{}, ErrDriverMissing
	}

	return devices[idx], nil
}

// openDevice initializes a float32 device; a nil id selects the system default.
func openDevice(ctx *malgo.AllocatedContext, typ malgo.DeviceType, id *malgo.DeviceID,
	sampleRate, channels int, proc malgo.DataProc) (*malgo.Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(typ)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = periodSizeMS
	deviceConfig.Alsa.NoMMap = 1

	switch typ {
	case malgo.Capture:
		deviceConfig.Capture.Format = malgo.FormatF32
		deviceConfig.Capture.Channels = uint32(channels)
		if id != nil {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	default:
		deviceConfig.Playback.Format = malgo.FormatF32
		deviceConfig.Playback.Channels = uint32(channels)
		if id != nil {
			deviceConfig.Playback.DeviceID = id.Pointer()
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: proc})
	if err != nil {
		return nil, fmt.Errorf("init audio device: %w", err)
	}

	return device, nil
}

// deviceSet starts and releases a group of devices together.
type deviceSet []audioDevice

func (s deviceSet) start() error {
	for _, device := range s {
		if err := device.Start(); err != nil {
			return fmt.Errorf("start audio device: %w", err)
		}
	}

	return nil
}

func (s deviceSet) release() {
	for i := len(s) - 1; i >= 0; i-- {
		_ = s[i].Stop()
		s[i].Uninit()
	}
}
