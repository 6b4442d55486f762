// Package identity provides client identity tokens.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// IDSize is the size of a ClientID in bytes (128 bits)
	IDSize = 16
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid client ID length: expected 16 bytes")

	// ErrInvalidIDString is returned when a client ID string is malformed
	ErrInvalidIDString = errors.New("invalid client ID string")

	// ZeroID represents an all-zero client ID
	ZeroID = ClientID{}

	maxID = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// ClientID is an opaque 128-bit token identifying a client. It is supplied
// by the caller and trusted as given; on the wire it travels as 16 raw
// big-endian bytes, on the control plane as a decimal string.
type ClientID [IDSize]byte

// NewClientID generates a random ClientID using crypto/rand.
func NewClientID() (ClientID, error) {
	var id ClientID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate client ID: %w", err)
	}
	return id, nil
}

// ParseClientID parses a ClientID from its decimal string form.
func ParseClientID(s string) (ClientID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroID, fmt.Errorf("%w: empty string", ErrInvalidIDString)
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxID) > 0 {
		return ZeroID, fmt.Errorf("%w: %q is not an unsigned 128-bit decimal", ErrInvalidIDString, s)
	}

	var id ClientID
	n.FillBytes(id[:])
	return id, nil
}

// FromBytes creates a ClientID from a byte slice.
func FromBytes(b []byte) (ClientID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id ClientID
	copy(id[:], b)
	return id, nil
}

// String returns the decimal representation of the ClientID.
func (id ClientID) String() string {
	return new(big.Int).SetBytes(id[:]).String()
}

// ShortString returns a shortened hex representation (first 8 chars) for logs.
func (id ClientID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the ClientID as a byte slice.
func (id ClientID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the ClientID is all zeros.
func (id ClientID) IsZero() bool {
	return id == ZeroID
}

// Equal returns true if two ClientIDs are identical.
func (id ClientID) Equal(other ClientID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler.
func (id ClientID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ClientID) UnmarshalText(text []byte) error {
	parsed, err := ParseClientID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
