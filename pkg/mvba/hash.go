package mvba

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
)

// Hash32 is a 32-byte content digest. It is computed deterministically from
// bytes via Keccak-256.
type Hash32 [32]byte

// Digest hashes data with Keccak-256.
func Digest(data []byte) Hash32 {
	return Hash32(crypto.Keccak256Hash(data))
}

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero digest.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}
