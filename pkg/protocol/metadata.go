package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ServerVersion is a semantic version advertised by a server.
type ServerVersion struct {
	Major      uint32 `cbor:"1,keyasint"`
	Minor      uint32 `cbor:"2,keyasint"`
	Patch      uint32 `cbor:"3,keyasint"`
	Prerelease string `cbor:"4,keyasint"`
	Build      string `cbor:"5,keyasint"`
}

// String returns the version in "v1.2.3-pre+build" form.
func (v ServerVersion) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		sb.WriteByte('-')
		sb.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		sb.WriteByte('+')
		sb.WriteString(v.Build)
	}
	return sb.String()
}

// Validate reports whether the version is valid semver.
func (v ServerVersion) Validate() error {
	if !semver.IsValid(v.String()) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, v.String())
	}
	return nil
}

// Compare returns -1, 0 or +1 following semver precedence.
// Build metadata does not take part in the comparison.
func (v ServerVersion) Compare(other ServerVersion) int {
	return semver.Compare(v.String(), other.String())
}

// Compatible reports whether a peer speaking other can talk to v.
// Versions are compatible when their major versions match; during major
// version zero the minor versions must match too.
func (v ServerVersion) Compatible(other ServerVersion) bool {
	if v.Major != other.Major {
		return false
	}
	if v.Major == 0 {
		return v.Minor == other.Minor
	}
	return true
}

// ParseServerVersion parses a semantic version, with or without a leading "v".
// Shorthand forms such as "v1.2" are accepted and completed with zeros.
func ParseServerVersion(s string) (ServerVersion, error) {
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	if !semver.IsValid(s) {
		return ServerVersion{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	pre := semver.Prerelease(s)
	build := semver.Build(s)
	core := strings.TrimSuffix(semver.Canonical(s), pre)

	parts := strings.Split(strings.TrimPrefix(core, "v"), ".")
	if len(parts) != 3 {
		return ServerVersion{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ServerVersion{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
		}
		nums[i] = uint32(n)
	}

	return ServerVersion{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: strings.TrimPrefix(pre, "-"),
		Build:      strings.TrimPrefix(build, "+"),
	}, nil
}

// ServerMetadata is the anonymous server description returned by
// GameServer.getServerMetadata. A fresh snapshot is built for every query.
type ServerMetadata struct {
	ServerVersion ServerVersion `cbor:"1,keyasint"`
	Title         string        `cbor:"2,keyasint"`
	Subtitle      string        `cbor:"3,keyasint"`
	PlayerCount   int32         `cbor:"4,keyasint"`
	PlayerLimit   int32         `cbor:"5,keyasint"`
}
