package validation

import (
	"strings"
	"testing"
)

func TestValidateCallID(t *testing.T) {
	tests := []struct {
		name    string
		callID  string
		wantErr bool
	}{
		{"uuid", "6f1c2b7e-4a1d-4d0e-9b8a-2f3c4d5e6f70", false},
		{"short", "c1", false},
		{"empty", "", true},
		{"slash", "c1/evil", true},
		{"space", "c 1", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCallID(tt.callID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCallID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		wantErr  bool
	}{
		{"valid", strings.Repeat("ab", 32), false},
		{"uppercase", strings.Repeat("AB", 32), true},
		{"short", strings.Repeat("a", 63), true},
		{"not hex", strings.Repeat("z", 64), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRelayToken(t *testing.T) {
	if err := ValidateRelayToken("capv1_" + strings.Repeat("0f", 32)); err != nil {
		t.Errorf("expected valid token, got %v", err)
	}
	for _, bad := range []string{"", "capv1_", "capv2_" + strings.Repeat("0f", 32), "capv1_" + strings.Repeat("0F", 32)} {
		if err := ValidateRelayToken(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestValidateTransportURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
		network bool
	}{
		{"https", "https://relay.example.com/moq", false, true},
		{"ws", "ws://127.0.0.1:8081/media", false, true},
		{"memory", "memory://local", false, false},
		{"ftp", "ftp://relay.example.com", true, false},
		{"no host", "https://", true, true},
		{"empty", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransportURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransportURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := IsNetworkURL(tt.url); got != tt.network {
				t.Errorf("IsNetworkURL() = %v, want %v", got, tt.network)
			}
		})
	}
}

func TestValidateTrackName(t *testing.T) {
	if err := ValidateTrackName("audio0"); err != nil {
		t.Errorf("expected valid track name, got %v", err)
	}
	if err := ValidateTrackName("audio/0"); err == nil {
		t.Error("expected error for track name with slash")
	}
	if err := ValidateNonEmptyString("  ", "reason"); err == nil {
		t.Error("expected error for blank string")
	}
}
