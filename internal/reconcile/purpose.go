package reconcile

import (
	"strconv"
	"strings"
)

// Subscription metadata keys written by this package.
const (
	MetaType          = "type"
	MetaTracksAllowed = "tracksAllowed"
	MetaAdminGranted  = "adminGranted"

	TypeTrackAllowance = "track_allowance"
)

// Purpose is what a provider subscription is for, decoded from its metadata.
// It is either TrackAllowance or Unrecognized.
type Purpose interface {
	purpose()
}

// TrackAllowance is a monthly track allowance subscription.
type TrackAllowance struct {
	TracksAllowed int
	AdminGranted  bool
}

// Unrecognized is any subscription this service does not manage, or a
// track_allowance subscription whose metadata is malformed.
type Unrecognized struct {
	Type   string
	Reason string
}

func (TrackAllowance) purpose() {}
func (Unrecognized) purpose()   {}

// Metadata encodes the allowance for the provider.
func (t TrackAllowance) Metadata() map[string]string {
	return map[string]string{
		MetaType:          TypeTrackAllowance,
		MetaTracksAllowed: strconv.Itoa(t.TracksAllowed),
		MetaAdminGranted:  strconv.FormatBool(t.AdminGranted),
	}
}

// ParsePurpose decodes subscription metadata. Unknown types and malformed
// allowance values yield Unrecognized so a bad object never grants tracks.
func ParsePurpose(metadata map[string]string) Purpose {
	typ := metadata[MetaType]
	if typ != TypeTrackAllowance {
		return Unrecognized{Type: typ, Reason: "unmanaged subscription type"}
	}

	n, err := strconv.Atoi(strings.TrimSpace(metadata[MetaTracksAllowed]))
	if err != nil {
		return Unrecognized{Type: typ, Reason: "tracksAllowed is not an integer"}
	}
	if n < 0 {
		return Unrecognized{Type: typ, Reason: "tracksAllowed is negative"}
	}

	// Missing or unparsable adminGranted means a paid plan.
	granted, _ := strconv.ParseBool(strings.TrimSpace(metadata[MetaAdminGranted]))
	return TrackAllowance{TracksAllowed: n, AdminGranted: granted}
}
