package build

import (
	"fmt"

	"golang.org/x/xerrors"
)

// BuildVersion is the release of the overseer binaries.
const BuildVersion = "1.4.0"

// CurrentCommit is set by the linker, e.g. -X .../build.CurrentCommit=+git.abc123.
var CurrentCommit string

// DebugBuild marks binaries built with the debug tag.
var DebugBuild bool

func UserVersion() string {
	v := BuildVersion
	if DebugBuild {
		v += "+debug"
	}
	return v + CurrentCommit
}

// Version is a protocol version. Peers are compatible when major and minor match.
type Version struct {
	Major, Minor, Patch uint8
}

// AnalystAPIVersion is the version of the /cluster protocol spoken between
// the control plane and analysts. Analysts whose major.minor differs are
// registered but never handed work.
var AnalystAPIVersion = Version{Major: 1, Minor: 2}

// ParseVersion reads the "major.minor.patch" form produced by Version.String.
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, xerrors.Errorf("parsing version %q: %w", s, err)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) EqMajorMinor(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor
}
