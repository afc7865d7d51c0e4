package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsRoundTrip(t *testing.T) {
	req := require.New(t)

	buf := new(bytes.Buffer)
	req.NoError(Encode(buf, DefaultOverseer()))
	req.Contains(buf.String(), `UnresponsiveThreshold = "1m0s"`)

	cfg, err := FromReader(buf)
	req.NoError(err)
	req.Equal(3, cfg.Dispatch.MaxRetries)
	req.Equal(Duration(2*time.Minute), cfg.Analysts.DownThreshold)
	req.True(cfg.Metrics.Enabled)
	req.False(strings.HasPrefix(cfg.Store.Path, "~"))
}

func TestFileOverridesDefaults(t *testing.T) {
	req := require.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	req.NoError(os.WriteFile(path, []byte(`
[Dispatch]
  MaxRetries = 5

[Maintenance]
  OrphanThreshold = "90s"

[Logging.SubsystemLevels]
  "dispatch/queue" = "DEBUG"
`), 0644))

	cfg, err := FromFile(path)
	req.NoError(err)
	req.Equal(5, cfg.Dispatch.MaxRetries)
	req.Equal(16, cfg.Dispatch.CandidatesPerTenant)
	req.Equal(Duration(90*time.Second), cfg.Maintenance.OrphanThreshold)
	req.Equal("DEBUG", cfg.Logging.SubsystemLevels["dispatch/queue"])
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultOverseer().API.ListenAddress, cfg.API.ListenAddress)
}

func TestEnvOverrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("OVERSEER_DISPATCH_MAXRETRIES", "7")
	t.Setenv("OVERSEER_ANALYSTS_REMOVALTHRESHOLD", "3h")

	cfg, err := FromReader(bytes.NewReader(nil))
	req.NoError(err)
	req.Equal(7, cfg.Dispatch.MaxRetries)
	req.Equal(Duration(3*time.Hour), cfg.Analysts.RemovalThreshold)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Overseer){
		"down shorter than unresponsive": func(c *Overseer) { c.Analysts.DownThreshold = Duration(time.Second) },
		"removal not after down":         func(c *Overseer) { c.Analysts.RemovalThreshold = c.Analysts.DownThreshold },
		"zero orphan threshold":          func(c *Overseer) { c.Maintenance.OrphanThreshold = 0 },
		"negative retries":               func(c *Overseer) { c.Dispatch.MaxRetries = -1 },
		"postgres without dsn":           func(c *Overseer) { c.Store.Driver = "postgres" },
		"unknown driver":                 func(c *Overseer) { c.Store.Driver = "mysql" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultOverseer()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, DefaultOverseer().Validate())
}
