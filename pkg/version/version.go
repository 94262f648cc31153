package version

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/sidkik/livesync/pkg/errors"
)

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// CheckCompatible returns an error if a peer running remoteVersion can't
// speak the same protocol as this binary. Versions must agree on the major
// and minor components. Development builds are compatible with everything.
func CheckCompatible(remoteVersion string) error {
	if Version == EmptyValue || remoteVersion == EmptyValue {
		return nil
	}

	ownVersion, err := goversion.NewVersion(Version)
	if err != nil {
		// Untagged builds don't have a parseable version.
		return nil
	}

	peerVersion, err := goversion.NewVersion(remoteVersion)
	if err != nil {
		return errors.NewFriendlyError(
			"The destination is running an unrecognized livesync version (%q).\n"+
				"Install livesync %s on the destination.", remoteVersion, Version)
	}

	ownSegments, peerSegments := ownVersion.Segments(), peerVersion.Segments()
	if ownSegments[0] != peerSegments[0] || ownSegments[1] != peerSegments[1] {
		return errors.NewFriendlyError(
			"The destination is running livesync %s, which isn't compatible with "+
				"the local version (%s).\nInstall livesync %s on the destination.",
			peerVersion, ownVersion, ownVersion)
	}
	return nil
}
