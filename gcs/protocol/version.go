package protocol

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the wire protocol version used to encode outgoing packets.
type Version uint16

const (
	VersionUnknown Version = 0
	Version1       Version = 1
	Version2       Version = 2
	Version3       Version = 3

	VersionHighest = Version3
)

// minimumSoftware maps each protocol version to the first release able to
// speak it. Versions are listed in ascending order.
var minimumSoftware = []struct {
	version  Version
	software string
}{
	{Version1, "v1.0.0"},
	{Version2, "v1.2.0"},
	{Version3, "v2.0.0"},
}

func (v Version) Valid() bool {
	return v >= Version1 && v <= VersionHighest
}

func (v Version) String() string {
	if !v.Valid() {
		return fmt.Sprintf("unknown(%d)", uint16(v))
	}
	return fmt.Sprintf("v%d", uint16(v))
}

// MinimumSoftwareVersion returns the lowest release which supports v.
func MinimumSoftwareVersion(v Version) string {
	for _, e := range minimumSoftware {
		if e.version == v {
			return e.software
		}
	}
	return ""
}

// FromSoftwareVersion returns the highest protocol version a release speaks.
// Releases are semantic versions with or without the leading "v".
func FromSoftwareVersion(software string) Version {
	if len(software) > 0 && software[0] != 'v' {
		software = "v" + software
	}
	if !semver.IsValid(software) {
		return VersionUnknown
	}

	found := VersionUnknown
	for _, e := range minimumSoftware {
		if semver.Compare(software, e.software) >= 0 {
			found = e.version
		}
	}
	return found
}
