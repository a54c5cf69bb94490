package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==================== Version Negotiation Tests ====================

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		wantErr bool
	}{
		{"oldest supported", 8, false},
		{"newest supported", 11, false},
		{"middle", 10, false},
		{"too old", 7, true},
		{"too new", 12, true},
		{"zero", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NegotiateVersion(tt.version)
			if tt.wantErr {
				require.Error(t, err)
				var pe *Error
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, KindProtocolMismatch, pe.Kind)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVersionCapabilities(t *testing.T) {
	assert.False(t, UsesDirectPost(10))
	assert.True(t, UsesDirectPost(11))
	assert.False(t, SupportsV2Scheduler(8))
	assert.True(t, SupportsV2Scheduler(9))
	assert.False(t, SupportsNewTimezone(9))
	assert.True(t, SupportsNewTimezone(10))
}

func TestMinVersionForGeneration(t *testing.T) {
	assert.Equal(t, 11, MinVersionForGeneration(18))
	assert.Equal(t, 10, MinVersionForGeneration(15))
	assert.Equal(t, 10, MinVersionForGeneration(11))
}

// ==================== Client Parsing Tests ====================

func TestParseClient(t *testing.T) {
	c := ParseClient("anki,2.1.66 (70506aeb),mac:14.1")
	assert.Equal(t, "anki", c.Platform)
	assert.Equal(t, "2.1.66", c.Version)
	assert.Equal(t, "mac:14.1", c.OS)

	c = ParseClient("ankidesktop,2.1.49,linux")
	assert.Equal(t, "ankidesktop", c.Platform)
	assert.Equal(t, "2.1.49", c.Version)

	c = ParseClient("garbage")
	assert.Equal(t, "", c.Platform)
}

func TestClientObsolete(t *testing.T) {
	tests := []struct {
		conn     string
		obsolete bool
	}{
		{"anki,2.1.66 (70506aeb),mac", false},
		{"ankidesktop,2.1.57,win", false},
		{"ankidesktop,2.1.56,win", true},
		{"ankidesktop,2.0.52,linux", true},
		{"ankidroid,2.2.3,android", false},
		{"ankidroid,2.2.2,android", true},
		{"ankidroid,2.3alpha3,android", true},
		{"ankidroid,2.3alpha4,android", false},
		{"unknownclient,0.1,plan9", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.conn, func(t *testing.T) {
			assert.Equal(t, tt.obsolete, ParseClient(tt.conn).Obsolete())
		})
	}
}

// ==================== Error Tests ====================

func TestAuthMessage(t *testing.T) {
	assert.Equal(t, "auth", Errorf(KindAuthFailed, "bad credentials").AuthMessage())
	assert.Equal(t, "account-unconfirmed", Errorf(KindAccountUnconfirmed, "confirm first").AuthMessage())
	assert.Equal(t, "password-change-required", Errorf(KindPasswordChangeRequired, "rotate").AuthMessage())
}
