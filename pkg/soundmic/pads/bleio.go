package pads

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const (
	connectTimeout      = 10 * time.Second
	rediscoverThrottle  = 5 * time.Second
	padEventChannelSize = 16
)

var (
	midiServiceUUID        = bluetooth.NewUUID([16]byte{0x03, 0xB8, 0x0E, 0x5A, 0xED, 0xE8, 0x4B, 0x33, 0xA7, 0x51, 0x6C, 0xE3, 0x4E, 0xC4, 0xC7, 0x00})
	midiCharacteristicUUID = bluetooth.NewUUID([16]byte{0x77, 0x72, 0xE5, 0xDB, 0x38, 0x68, 0x41, 0x12, 0xA1, 0xA9, 0xF2, 0x66, 0x9D, 0x10, 0x6B, 0xF3})
)

// BLEIO connects to the first MIDI-over-BLE controller it finds and reports
// its pad hits. It reconnects to the same controller after a disconnect.
type BLEIO struct {
	logger *zap.SugaredLogger

	mu             sync.Mutex
	device         *bluetooth.Device
	lastDeviceAddr string
	connected      bool

	found     chan bluetooth.ScanResult
	runScan   chan struct{}
	consumers []chan PadEvent
}

// NewBLEIO creates a pad controller client. Nothing happens until Start.
func NewBLEIO(logger *zap.SugaredLogger) *BLEIO {
	logger = logger.Named("pads")

	bio := &BLEIO{
		logger:  logger,
		found:   make(chan bluetooth.ScanResult, 1),
		runScan: make(chan struct{}, 1),
	}

	logger.Debug("Created BLE pad controller instance")

	return bio
}

// Subscribe returns a channel receiving every pad hit. Hits are dropped when
// the subscriber falls behind. Subscribe before Start.
func (bio *BLEIO) Subscribe() <-chan PadEvent {
	ch := make(chan PadEvent, padEventChannelSize)
	bio.consumers = append(bio.consumers, ch)

	return ch
}

// Start enables the adapter and keeps scanning for and connecting to a
// controller until ctx is done.
func (bio *BLEIO) Start(ctx context.Context) error {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		bio.logger.Warnw("Failed to enable bluetooth adapter", "error", err)
		return err
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected || !bio.isConnected() {
			return
		}

		bio.close()
		bio.logger.Infow("Pad controller disconnected, restarting scan", "address", device.Address.String())
		bio.requestScan()
	})

	go bio.scanLoop(ctx, adapter)
	go bio.connectLoop(ctx, adapter)

	go func() {
		<-ctx.Done()
		_ = adapter.StopScan()
		bio.close()
	}()

	bio.requestScan()

	return nil
}

func (bio *BLEIO) requestScan() {
	select {
	case bio.runScan <- struct{}{}:
	default:
	}
}

func (bio *BLEIO) scanLoop(ctx context.Context, adapter *bluetooth.Adapter) {
	lastSent := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-bio.runScan:
		}

		bio.logger.Debug("Started a scan")

		err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, uuid := range result.ServiceUUIDs() {
				if uuid != midiServiceUUID {
					continue
				}

				now := time.Now()
				if now.Sub(lastSent) < rediscoverThrottle {
					return
				}
				lastSent = now

				bio.logger.Debugw("Found MIDI BLE device", "name", result.LocalName(), "address", result.Address.String(), "rssi", result.RSSI)
				_ = adapter.StopScan()

				select {
				case bio.found <- result:
				default:
				}
				return
			}
		})
		if err != nil {
			bio.logger.Warnw("Bluetooth scan failed", "error", err)
		}
	}
}

func (bio *BLEIO) connectLoop(ctx context.Context, adapter *bluetooth.Adapter) {
	for {
		var result bluetooth.ScanResult

		select {
		case <-ctx.Done():
			return
		case result = <-bio.found:
		}

		bio.mu.Lock()
		last := bio.lastDeviceAddr
		bio.mu.Unlock()

		// reconnect only with the same device
		if last != "" && result.Address.String() != last {
			bio.requestScan()
			continue
		}

		done := make(chan error, 1)
		go func() {
			device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
			if err != nil {
				done <- err
				return
			}
			done <- bio.activate(device)
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(connectTimeout):
			bio.logger.Warnw("Connect timed out", "timeout", connectTimeout)
			bio.requestScan()
		case err := <-done:
			if err != nil {
				bio.logger.Warnw("Failed to connect to pad controller", "error", err)
				bio.requestScan()
			}
		}
	}
}

func (bio *BLEIO) activate(device bluetooth.Device) error {
	bio.close()

	bio.logger.Debugw("Connected", "address", device.Address.String())

	services, err := device.DiscoverServices([]bluetooth.UUID{midiServiceUUID})
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return errMIDIServiceMissing
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{midiCharacteristicUUID})
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		return errMIDICharacteristicMissing
	}

	err = chars[0].EnableNotifications(func(buf []byte) {
		bio.dispatch(Events(ParsePacket(buf)))
	})
	if err != nil {
		return err
	}

	bio.mu.Lock()
	bio.connected = true
	bio.device = &device
	bio.lastDeviceAddr = device.Address.String()
	bio.mu.Unlock()

	bio.logger.Info("Pad controller connected")

	return nil
}

func (bio *BLEIO) dispatch(events []PadEvent) {
	for _, event := range events {
		for _, consumer := range bio.consumers {
			select {
			case consumer <- event:
			default:
				bio.logger.Debugw("Dropping pad event, consumer busy", "pad", event.Pad)
			}
		}
	}
}

func (bio *BLEIO) isConnected() bool {
	bio.mu.Lock()
	defer bio.mu.Unlock()

	return bio.connected
}

func (bio *BLEIO) close() {
	bio.mu.Lock()
	defer bio.mu.Unlock()

	if bio.device == nil {
		return
	}

	bio.connected = false
	_ = bio.device.Disconnect()
	bio.device = nil

	bio.logger.Debug("BLE connection closed")
}
