// Package ids generates the two identifier shapes the lobby core hands out:
// opaque UUIDs for durable rows, and short human-typeable room codes.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// DefaultRoomCodeAlphabet avoids visually ambiguous characters (I, O, 0, 1).
const DefaultRoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is the fixed width of a generated room code.
const RoomCodeLength = 6

// New returns a fresh opaque UUID, used for User/Room/Member/Event row ids.
func New() string {
	return uuid.NewString()
}

// NewSessionToken returns a URL-safe token with at least 128 bits of
// entropy, suitable for use as a bearer credential. uuid.NewString is used
// twice rather than introducing another random-bytes dependency: two v4
// UUIDs carry 244 bits of randomness between them, comfortably over the
// spec's 128-bit floor.
func NewSessionToken() string {
	return uuid.NewString() + uuid.NewString()
}

// RoomCode generates a single candidate room code from alphabet. Callers
// that need collision avoidance should call this in a retry loop against
// the Store's existence check; RoomCode itself does not know about
// existing rooms.
func RoomCode(alphabet string) (string, error) {
	if alphabet == "" {
		alphabet = DefaultRoomCodeAlphabet
	}

	buf := make([]byte, RoomCodeLength)
	n := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}
