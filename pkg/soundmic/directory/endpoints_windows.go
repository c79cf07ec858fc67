package directory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// withEnumerator runs fn with a live device enumerator on a COM-initialized thread.
func withEnumerator(logger *zap.SugaredLogger, fn func(*wca.IMMDeviceEnumerator) error) error {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if !errors.As(err, &oleError) || oleError.Code() != eFalse {
			logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}
	defer ole.CoUninitialize()

	var enumerator *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&enumerator,
	); err != nil {
		logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return fmt.Errorf("call CoCreateInstance: %w", err)
	}
	defer enumerator.Release()

	return fn(enumerator)
}

// ListEndpoints enumerates every active render and capture endpoint.
func ListEndpoints(logger *zap.SugaredLogger) ([]Endpoint, error) {
	logger = logger.Named("endpoints")

	var endpoints []Endpoint
	err := withEnumerator(logger, func(enumerator *wca.IMMDeviceEnumerator) error {
		return eachEndpoint(logger, enumerator, func(device *wca.IMMDevice, endpoint Endpoint) error {
			endpoints = append(endpoints, endpoint)
			return nil
		})
	})

	return endpoints, err
}

// SetEndpointVolume sets the master volume of every endpoint whose friendly name
// contains match. It fails when no endpoint matches.
func SetEndpointVolume(logger *zap.SugaredLogger, match string, percent int) error {
	logger = logger.Named("endpoints")

	matched := 0
	err := withEnumerator(logger, func(enumerator *wca.IMMDeviceEnumerator) error {
		return eachEndpoint(logger, enumerator, func(device *wca.IMMDevice, endpoint Endpoint) error {
			if !strings.Contains(endpoint.FriendlyName, match) {
				return nil
			}

			var endpointVolume *wca.IAudioEndpointVolume
			if err := device.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpointVolume); err != nil {
				logger.Warnw("Failed to activate AudioEndpointVolume", "endpoint", endpoint.FriendlyName, "error", err)
				return fmt.Errorf("activate endpoint volume: %w", err)
			}
			defer endpointVolume.Release()

			if err := endpointVolume.SetMasterVolumeLevelScalar(float32(percent)/100, nil); err != nil {
				return fmt.Errorf("set volume of %s: %w", endpoint.FriendlyName, err)
			}

			matched++
			logger.Debugw("Set endpoint volume", "endpoint", endpoint.FriendlyName, "percent", percent)

			return nil
		})
	})
	if err != nil {
		return err
	}

	if matched == 0 {
		return fmt.Errorf("set endpoint volume: no endpoint matches %q", match)
	}

	return nil
}

func eachEndpoint(logger *zap.SugaredLogger, enumerator *wca.IMMDeviceEnumerator,
	fn func(*wca.IMMDevice, Endpoint) error) error {
	var deviceCollection *wca.IMMDeviceCollection

	if err := enumerator.EnumAudioEndpoints(wca.EAll, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		return fmt.Errorf("get device count from device collection: %w", err)
	}

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		err := func() error {
			var device *wca.IMMDevice
			if err := deviceCollection.Item(deviceIdx, &device); err != nil {
				return fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
			}
			defer device.Release()

			endpoint, err := describeEndpoint(device)
			if err != nil {
				logger.Warnw("Failed to describe endpoint", "deviceIdx", deviceIdx, "error", err)
				return err
			}

			return fn(device, endpoint)
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

func describeEndpoint(device *wca.IMMDevice) (Endpoint, error) {
	var endpoint Endpoint

	if err := device.GetId(&endpoint.ID); err != nil {
		return endpoint, fmt.Errorf("get endpoint id: %w", err)
	}

	dispatch, err := device.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		return endpoint, fmt.Errorf("query IMMEndpoint: %w", err)
	}
	endpointType := (*wca.IMMEndpoint)(dispatch)
	defer endpointType.Release()

	var dataFlow uint32
	if err := endpointType.GetDataFlow(&dataFlow); err != nil {
		return endpoint, fmt.Errorf("get data flow: %w", err)
	}
	endpoint.Capture = dataFlow == wca.ECapture

	var propertyStore *wca.IPropertyStore
	if err := device.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return endpoint, fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_DeviceDesc, value); err != nil {
		return endpoint, fmt.Errorf("get device description: %w", err)
	}
	endpoint.Description = strings.ToLower(value.String())

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return endpoint, fmt.Errorf("get device friendly name: %w", err)
	}
	endpoint.FriendlyName = value.String()

	return endpoint, nil
}
