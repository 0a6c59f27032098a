package version

import (
	"fmt"

	version2 "github.com/hashicorp/go-version"
)

// Version is the engine version written into every snapshot.
var Version = "v0.4.0"

// NatsVersion is the mandatory minimum version of NATS that is supported.
var NatsVersion, _ = version2.NewVersion("v2.10.0")

// Compatible reports whether state written by an engine of version snapshot can be restored by
// an engine of version current. Only the major version must match, and a snapshot from a
// newer minor version is refused.
func Compatible(current string, snapshot string) (bool, error) {
	cur, err := version2.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse engine version: %w", err)
	}
	snap, err := version2.NewVersion(snapshot)
	if err != nil {
		return false, fmt.Errorf("parse snapshot version: %w", err)
	}
	cs, ss := cur.Segments(), snap.Segments()
	if cs[0] != ss[0] {
		return false, nil
	}
	return !snap.GreaterThan(cur) || cs[1] == ss[1], nil
}
