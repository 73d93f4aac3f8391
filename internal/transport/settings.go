package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultTimeout is the read/write timeout used when Settings.Timeout is zero.
const DefaultTimeout = 1000 * time.Millisecond

// Settings describes one serial connection attempt.
// BaudRate 0 asks the connection manager to auto-detect the rate.
type Settings struct {
	Port     string `yaml:"port" json:"port" mapstructure:"port"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate" mapstructure:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"dataBits" mapstructure:"data_bits"`
	// Parity is none, odd, even, mark or space.
	Parity string `yaml:"parity" json:"parity" mapstructure:"parity"`
	// StopBits is 1, 1.5 or 2.
	StopBits string `yaml:"stop_bits" json:"stopBits" mapstructure:"stop_bits"`
	// FlowControl must be none; hardware and software flow control are not
	// supported by the controllers this talks to.
	FlowControl string        `yaml:"flow_control" json:"flowControl" mapstructure:"flow_control"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// WithDefaults fills unset fields with 8/None/1/None and a 1s timeout.
func (s Settings) WithDefaults() Settings {
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.Parity == "" {
		s.Parity = "none"
	}
	if s.StopBits == "" {
		s.StopBits = "1"
	}
	if s.FlowControl == "" {
		s.FlowControl = "none"
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

// Mode converts the settings into a go.bug.st/serial mode.
func (s Settings) Mode() (*serial.Mode, error) {
	s = s.WithDefaults()
	if s.FlowControl != "none" {
		return nil, fmt.Errorf("%w: flow control %q", ErrUnsupported, s.FlowControl)
	}

	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
	}

	switch s.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrUnsupported, s.Parity)
	}

	switch s.StopBits {
	case "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %q", ErrUnsupported, s.StopBits)
	}

	return mode, nil
}
