package services

import (
	"encoding/hex"
	"fmt"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/media/framecrypto"
)

const (
	RelayAuthLabel  = "pika.call.relay.auth.v1"
	RelayAuthPrefix = "capv1_"
	relayAuthSize   = 32
)

// DeriveRelayAuth computes the capability token both participants present
// to the relay. It binds the call, the relay URL and the broadcast base, so
// a token minted for one call is useless for any other.
func DeriveRelayAuth(m ports.GroupMessenger, group domain.GroupID, callID domain.CallID, moqURL, broadcastBase string) (string, error) {
	ctx := framecrypto.LengthPrefixed([]byte(callID), []byte(moqURL), []byte(broadcastBase))
	secret, err := m.DeriveExporterSecret(group, RelayAuthLabel, ctx, relayAuthSize)
	if err != nil {
		return "", &domain.CryptoError{Op: "relay auth", Err: fmt.Errorf("%w: %v", domain.ErrKeyDerivation, err)}
	}
	return RelayAuthPrefix + hex.EncodeToString(secret), nil
}
