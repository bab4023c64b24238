package syncmsg

import (
	"crypto/rand"
	"math/big"
)

// IdentifierSize is the fixed wire length of a group identifier.
const IdentifierSize = 128

const identifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Identifier names a sync group. It doubles as the name of the group's root
// directory on the server, so only Valid identifiers may ever touch the disk.
type Identifier string

// NewIdentifier returns a fresh random identifier.
func NewIdentifier() (Identifier, error) {
	buf := make([]byte, IdentifierSize)
	max := big.NewInt(int64(len(identifierAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = identifierAlphabet[n.Int64()]
	}
	return Identifier(buf), nil
}

// Valid reports whether id has the exact length and alphabet of an issued identifier.
func (id Identifier) Valid() bool {
	if len(id) != IdentifierSize {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Short is a log-friendly prefix of the identifier.
func (id Identifier) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8]) + "…"
}

func (id Identifier) String() string {
	return string(id)
}
