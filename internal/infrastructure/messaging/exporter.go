// Package messaging provides the group-messaging adapters used by the call
// daemon and tests: an in-process loopback hub and a websocket client for
// the relay's development group hub.
package messaging

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"pikacall/internal/core/domain"

	"golang.org/x/crypto/hkdf"
)

// DeriveExporter stands in for a group-messaging exporter: a secret bound
// to the group, its epoch, a label and a caller context.
func DeriveExporter(groupSecret []byte, group domain.GroupID, epoch uint64, label string, context []byte, length int) ([]byte, error) {
	if len(groupSecret) == 0 {
		return nil, fmt.Errorf("%w: empty group secret", domain.ErrKeyDerivation)
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("%w: invalid length %d", domain.ErrKeyDerivation, length)
	}

	salt := make([]byte, 0, len(group)+8)
	salt = append(salt, group...)
	salt = binary.BigEndian.AppendUint64(salt, epoch)

	info := make([]byte, 0, len(label)+1+len(context))
	info = append(info, label...)
	info = append(info, 0)
	info = append(info, context...)

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, groupSecret, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyDerivation, err)
	}
	return out, nil
}
