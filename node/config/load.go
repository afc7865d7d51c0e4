package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes every environment override, e.g. OVERSEER_DISPATCH_MAXRETRIES.
const EnvPrefix = "OVERSEER"

// FromFile loads the config at path over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func FromFile(path string) (*Overseer, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return FromReader(bytes.NewReader(nil))
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file)
}

func FromReader(reader io.Reader) (*Overseer, error) {
	cfg := DefaultOverseer()
	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, xerrors.Errorf("applying environment overrides: %w", err)
	}

	storePath, err := homedir.Expand(cfg.Store.Path)
	if err != nil {
		return nil, xerrors.Errorf("expanding store path: %w", err)
	}
	cfg.Store.Path = storePath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relative ordering of the thresholds.
func (c *Overseer) Validate() error {
	a := c.Analysts
	switch {
	case a.UnresponsiveThreshold <= 0:
		return xerrors.Errorf("Analysts.UnresponsiveThreshold must be positive, got %s", time.Duration(a.UnresponsiveThreshold))
	case a.DownThreshold < a.UnresponsiveThreshold:
		return xerrors.Errorf("Analysts.DownThreshold (%s) must not be shorter than UnresponsiveThreshold (%s)",
			time.Duration(a.DownThreshold), time.Duration(a.UnresponsiveThreshold))
	case a.RemovalThreshold <= a.DownThreshold:
		return xerrors.Errorf("Analysts.RemovalThreshold (%s) must be longer than DownThreshold (%s)",
			time.Duration(a.RemovalThreshold), time.Duration(a.DownThreshold))
	}

	if c.Maintenance.OrphanThreshold <= 0 {
		return xerrors.New("Maintenance.OrphanThreshold must be positive")
	}
	if c.Maintenance.SweepInterval <= 0 {
		return xerrors.New("Maintenance.SweepInterval must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return xerrors.Errorf("Dispatch.MaxRetries must not be negative, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.CandidatesPerTenant <= 0 {
		return xerrors.Errorf("Dispatch.CandidatesPerTenant must be positive, got %d", c.Dispatch.CandidatesPerTenant)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return xerrors.New("Store.Path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return xerrors.New("Store.DSN is required for the postgres driver")
		}
	default:
		return xerrors.Errorf("unknown Store.Driver %q", c.Store.Driver)
	}
	return nil
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Overseer) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return nil
}
