package ecu

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/goefitune/internal/transport"
)

// FallbackPolicy controls how a fast-comms fallback is surfaced.
type FallbackPolicy string

const (
	// FallbackSilent logs at debug level and counts the fallback in metrics.
	FallbackSilent FallbackPolicy = "silent"
	// FallbackVisible also warns and marks the response FellBack.
	FallbackVisible FallbackPolicy = "visible"
)

// AutoBaudRates is the probe order when the baud rate is left at 0.
var AutoBaudRates = []int{115200, 230400, 57600, 38400, 19200, 9600}

const (
	DefaultWriteAttempts = 3
	DefaultMaxTimeouts   = 3
	DefaultFastIdle      = 100 * time.Millisecond
	DefaultDrainIdle     = 100 * time.Millisecond
	DefaultDrainMax      = 1500 * time.Millisecond

	maxUserBurst = 4
)

// Settings are fixed for the lifetime of one connection attempt.
type Settings struct {
	Link transport.Settings `yaml:"link" json:"link" mapstructure:"link"`

	FastComms    bool           `yaml:"fast_comms" json:"fastComms" mapstructure:"fast_comms"`
	FastFallback FallbackPolicy `yaml:"fast_fallback" json:"fastFallback" mapstructure:"fast_fallback"`
	// FastIdle is the read idle timeout on the fast path.
	FastIdle time.Duration `yaml:"fast_idle" json:"fastIdle" mapstructure:"fast_idle"`

	WriteAttempts  int  `yaml:"write_attempts" json:"writeAttempts" mapstructure:"write_attempts"`
	MaxTimeouts    int  `yaml:"max_timeouts" json:"maxTimeouts" mapstructure:"max_timeouts"`
	RejectMismatch bool `yaml:"reject_mismatch" json:"rejectMismatch" mapstructure:"reject_mismatch"`

	// OpenDelay is waited after opening the port, before draining. Boards
	// that reset on DTR need about a second.
	OpenDelay time.Duration `yaml:"open_delay" json:"openDelay" mapstructure:"open_delay"`
	// SettleDelay is waited between write and read on the standard path.
	SettleDelay time.Duration `yaml:"settle_delay" json:"settleDelay" mapstructure:"settle_delay"`
	DrainIdle   time.Duration `yaml:"drain_idle" json:"drainIdle" mapstructure:"drain_idle"`
	DrainMax    time.Duration `yaml:"drain_max" json:"drainMax" mapstructure:"drain_max"`
}

// WithDefaults fills unset fields.
func (s Settings) WithDefaults() Settings {
	s.Link = s.Link.WithDefaults()
	if s.FastFallback == "" {
		s.FastFallback = FallbackSilent
	}
	if s.FastIdle <= 0 {
		s.FastIdle = DefaultFastIdle
	}
	if s.WriteAttempts <= 0 {
		s.WriteAttempts = DefaultWriteAttempts
	}
	if s.MaxTimeouts <= 0 {
		s.MaxTimeouts = DefaultMaxTimeouts
	}
	if s.DrainIdle <= 0 {
		s.DrainIdle = DefaultDrainIdle
	}
	if s.DrainMax <= 0 {
		s.DrainMax = DefaultDrainMax
	}
	return s
}

// Validate checks settings after defaults are applied.
func (s Settings) Validate() error {
	if s.Link.Port == "" {
		return fmt.Errorf("ecu: no serial port configured")
	}
	switch s.FastFallback {
	case FallbackSilent, FallbackVisible:
	default:
		return fmt.Errorf("ecu: unknown fast_fallback %q (want silent or visible)", s.FastFallback)
	}
	if s.Link.BaudRate < 0 {
		return fmt.Errorf("ecu: negative baud rate %d", s.Link.BaudRate)
	}
	if _, err := s.Link.Mode(); err != nil {
		return err
	}
	return nil
}

func (s Settings) bauds(auto []int) []int {
	if s.Link.BaudRate > 0 {
		return []int{s.Link.BaudRate}
	}
	return auto
}
