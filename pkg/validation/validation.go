package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// CallIDRegex validates call ids; they end up inside relay paths.
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// IdentityRegex validates hex-encoded participant identities.
	IdentityRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

	// TrackNameRegex validates track names.
	TrackNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RelayTokenRegex validates relay capability tokens.
	RelayTokenRegex = regexp.MustCompile(`^capv1_[0-9a-f]{64}$`)
)

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 128 {
		return fmt.Errorf("call ID is too long (max 128 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidateIdentity validates a participant identity (64 lowercase hex characters)
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if !IdentityRegex.MatchString(identity) {
		return fmt.Errorf("identity must be 64 lowercase hex characters")
	}
	return nil
}

// ValidateTrackName validates track name
func ValidateTrackName(name string) error {
	if name == "" {
		return fmt.Errorf("track name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("track name is too long (max 64 characters)")
	}
	if !TrackNameRegex.MatchString(name) {
		return fmt.Errorf("invalid track name format")
	}
	return nil
}

// ValidateRelayToken validates a relay capability token
func ValidateRelayToken(token string) error {
	if !RelayTokenRegex.MatchString(token) {
		return fmt.Errorf("relay token must be capv1_ followed by 64 lowercase hex characters")
	}
	return nil
}

// ValidateTransportURL validates a media relay URL. memory:// selects the in-process relay.
func ValidateTransportURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		if u.Host == "" {
			return fmt.Errorf("URL must have a host")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, wss or memory)")
	}
	return nil
}

// IsNetworkURL reports whether the URL selects the network transport.
func IsNetworkURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
