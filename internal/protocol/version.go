// Package protocol defines the sync wire protocol: version negotiation,
// client identification, payload types, and the error taxonomy shared by the
// collection and media engines.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SyncVersionMin is the oldest sync protocol version the server accepts.
	SyncVersionMin = 8
	// SyncVersionMax is the newest sync protocol version the server speaks.
	SyncVersionMax = 11

	// Versions at which client capabilities changed.
	VersionWithV2Scheduler = 9
	VersionWithNewTimezone = 10
	VersionWithDirectPost  = 11
)

// NegotiateVersion validates a client-requested sync version.
func NegotiateVersion(v int) error {
	if v < SyncVersionMin || v > SyncVersionMax {
		return &Error{
			Kind:    KindProtocolMismatch,
			Message: fmt.Sprintf("unsupported sync version %d (supported %d..%d)", v, SyncVersionMin, SyncVersionMax),
		}
	}
	return nil
}

// UsesDirectPost reports whether the version uses the direct-POST framing
// with zstd-compressed bodies instead of multipart forms.
func UsesDirectPost(v int) bool {
	return v >= VersionWithDirectPost
}

// SupportsV2Scheduler reports whether a client at this version understands
// collections using the v2 scheduler.
func SupportsV2Scheduler(v int) bool {
	return v >= VersionWithV2Scheduler
}

// SupportsNewTimezone reports whether a client at this version understands
// collections with the creation-time UTC offset set.
func SupportsNewTimezone(v int) bool {
	return v >= VersionWithNewTimezone
}

// MinVersionForGeneration returns the minimum sync version a client must
// speak to sync a collection of the given schema generation.
func MinVersionForGeneration(gen int) int {
	if gen >= 18 {
		return VersionWithDirectPost
	}
	return VersionWithNewTimezone
}

// Client identifies the syncing client, parsed from the connection string
// sent alongside the sync version. Two formats exist in the wild:
//
//	anki,2.1.66 (70506aeb),mac:14.1
//	ankidesktop,2.1.49,linux
type Client struct {
	Platform string // anki, ankidesktop, ankidroid, or unknown
	Version  string // e.g. "2.1.66"
	OS       string
}

// ParseClient parses a client connection string. Unknown or malformed
// strings yield a Client with empty Platform, which is never rejected.
func ParseClient(s string) Client {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 2 {
		return Client{}
	}
	c := Client{
		Platform: strings.TrimSpace(parts[0]),
		Version:  strings.TrimSpace(parts[1]),
	}
	if len(parts) == 3 {
		c.OS = strings.TrimSpace(parts[2])
	}
	// Modern desktop sends "2.1.66 (70506aeb)"; strip the build hash.
	if i := strings.IndexByte(c.Version, ' '); i >= 0 {
		c.Version = c.Version[:i]
	}
	return c
}

// Obsolete reports whether the client is too old to sync correctly and must
// be told to upgrade. Unknown clients are given the benefit of the doubt.
func (c Client) Obsolete() bool {
	switch c.Platform {
	case "anki", "ankidesktop":
		return versionLess(c.Version, 2, 1, 57)
	case "ankidroid":
		major, minor, _, ok := splitVersion(c.Version)
		if !ok {
			return false
		}
		if major == 2 && minor == 3 {
			// 2.3alphaN before alpha4 shipped a broken media sync.
			if i := strings.Index(c.Version, "alpha"); i >= 0 {
				n, err := strconv.Atoi(c.Version[i+len("alpha"):])
				return err == nil && n < 4
			}
			return false
		}
		return versionLess(c.Version, 2, 2, 3)
	default:
		return false
	}
}

func versionLess(v string, major, minor, patch int) bool {
	a, b, c, ok := splitVersion(v)
	if !ok {
		return false
	}
	if a != major {
		return a < major
	}
	if b != minor {
		return b < minor
	}
	return c < patch
}

func splitVersion(v string) (major, minor, patch int, ok bool) {
	// Tolerate suffixes like "2.3alpha3" or "2.1.57beta1".
	numAt := func(s string) (int, string) {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, s
		}
		n, _ := strconv.Atoi(s[:i])
		return n, s[i:]
	}

	rest := v
	major, rest = numAt(rest)
	if !strings.HasPrefix(rest, ".") {
		if major == 0 {
			return 0, 0, 0, false
		}
		return major, 0, 0, true
	}
	minor, rest = numAt(rest[1:])
	if strings.HasPrefix(rest, ".") {
		patch, _ = numAt(rest[1:])
	}
	return major, minor, patch, true
}
