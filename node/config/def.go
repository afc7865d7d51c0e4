package config

import (
	"encoding"
	"time"
)

// Overseer is the control plane config.
type Overseer struct {
	API         API
	Store       Store
	Dispatch    Dispatch
	Analysts    Analysts
	Maintenance Maintenance
	Logging     Logging
	Metrics     Metrics
}

// API contains configs for the HTTP endpoint
type API struct {
	ListenAddress string
	Timeout       Duration
	// RequestsPerSecond caps the request rate of the whole API. 0 disables the limiter.
	RequestsPerSecond int
}

type Store struct {
	// Driver is either "sqlite" or "postgres".
	Driver string
	Path   string
	DSN    string
}

type Dispatch struct {
	// MaxRetries is how many failed attempts a task may have before a
	// failure becomes terminal.
	MaxRetries int
	// CandidatesPerTenant bounds how many waiting tasks one poll considers
	// for each ranked tenant.
	CandidatesPerTenant int
}

// Analysts holds the heartbeat thresholds. They must satisfy
// Unresponsive <= Down < Removal.
type Analysts struct {
	UnresponsiveThreshold Duration
	DownThreshold         Duration
	RemovalThreshold      Duration
}

type Maintenance struct {
	SweepInterval   Duration
	OrphanThreshold Duration
	JobRetention    Duration
}

type Logging struct {
	SubsystemLevels map[string]string
}

type Metrics struct {
	Enabled bool
}

// DefaultOverseer returns the default config
func DefaultOverseer() *Overseer {
	return &Overseer{
		API: API{
			ListenAddress: "0.0.0.0:8066",
			Timeout:       Duration(30 * time.Second),
		},
		Store: Store{
			Driver: "sqlite",
			Path:   "~/.overseer/overseer.db",
		},
		Dispatch: Dispatch{
			MaxRetries:          3,
			CandidatesPerTenant: 16,
		},
		Analysts: Analysts{
			UnresponsiveThreshold: Duration(time.Minute),
			DownThreshold:         Duration(2 * time.Minute),
			RemovalThreshold:      Duration(time.Hour),
		},
		Maintenance: Maintenance{
			SweepInterval:   Duration(30 * time.Second),
			OrphanThreshold: Duration(5 * time.Minute),
			JobRetention:    Duration(30 * 24 * time.Hour),
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
