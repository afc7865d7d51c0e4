package ovlog

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

func SetupLogLevels() {
	_ = logging.SetLogLevel("*", "INFO")
	_ = logging.SetLogLevel("sqldb", "WARN")
	_ = logging.SetLogLevel("sqlite", "WARN")
	_ = logging.SetLogLevel("dispatch/queue", "INFO")
}

// ApplySubsystemLevels overrides the defaults with per-subsystem levels,
// typically the [Logging] SubsystemLevels config table.
func ApplySubsystemLevels(levels map[string]string) error {
	for subsystem, level := range levels {
		if err := logging.SetLogLevel(subsystem, level); err != nil {
			return xerrors.Errorf("setting log level of %s to %s: %w", subsystem, level, err)
		}
	}
	return nil
}
