// Package pads turns a MIDI-over-BLE pad controller into sound triggers.
package pads

import "errors"

var (
	errMIDIServiceMissing        = errors.New("MIDI BLE service not found")
	errMIDICharacteristicMissing = errors.New("MIDI BLE characteristic not found")
)

const (
	statusNoteOn        = 0x90
	statusControlChange = 0xB0
)

// Message is one channel voice message carried in a BLE MIDI packet.
type Message struct {
	Status  byte // high nibble only
	Channel int
	Number  int // note or controller
	Value   int // velocity or controller value
}

// PadEvent is a pad hit.
type PadEvent struct {
	Pad      int
	Velocity int
}

// ParsePacket extracts the three-byte channel messages of a BLE MIDI packet.
// Messages reusing the previous status byte (running status) are supported;
// anything else, such as system messages, is skipped.
func ParsePacket(packet []byte) []Message {
	var result []Message

	// header byte has the high bit set
	if len(packet) == 0 || packet[0]&0x80 == 0 {
		return nil
	}

	var running byte
	i := 1

	for i < len(packet) {
		b := packet[i]

		if b&0x80 != 0 {
			// timestamp, optionally followed by a status byte
			i++
			if i < len(packet) && packet[i]&0x80 != 0 {
				running = packet[i]
				i++
			}
		}

		if running == 0 || running >= 0xF0 {
			// no usable status, skip to the next timestamp
			for i < len(packet) && packet[i]&0x80 == 0 {
				i++
			}
			continue
		}

		if i+1 >= len(packet) || packet[i]&0x80 != 0 || packet[i+1]&0x80 != 0 {
			break // incomplete message
		}

		result = append(result, Message{
			Status:  running & 0xF0,
			Channel: int(running & 0x0F),
			Number:  int(packet[i]),
			Value:   int(packet[i+1]),
		})
		i += 2
	}

	return result
}

// Events converts messages to pad hits: notes played with a velocity and
// controllers pushed above zero. Releases are ignored.
func Events(messages []Message) []PadEvent {
	var events []PadEvent

	for _, msg := range messages {
		switch msg.Status {
		case statusNoteOn, statusControlChange:
			if msg.Value > 0 {
				events = append(events, PadEvent{Pad: msg.Number, Velocity: msg.Value})
			}
		}
	}

	return events
}

// Mapping assigns sound files to pads.
type Mapping map[int]string

// Sound returns the file assigned to the pad hit, if any.
func (m Mapping) Sound(event PadEvent) (string, bool) {
	path, ok := m[event.Pad]
	return path, ok && path != ""
}
