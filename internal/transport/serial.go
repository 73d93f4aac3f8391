package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the byte-level channel a Handle drives. serial.Port satisfies it;
// tests and the simulator provide in-memory implementations.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// Opener opens a Port for the given settings.
type Opener interface {
	Open(s Settings) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(s Settings) (Port, error)

func (f OpenerFunc) Open(s Settings) (Port, error) { return f(s) }

// Serial opens real serial ports through go.bug.st/serial.
type Serial struct{}

func (Serial) Open(s Settings) (Port, error) {
	mode, err := s.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(s.Port, mode)
	if err != nil {
		return nil, classifyOpenError(s.Port, err)
	}
	return port, nil
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates the serial ports visible to the OS.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
