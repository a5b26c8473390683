package mining

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashSize of array used to store hashes.  See Hash.
const HashSize = 32

// Hash is the 32-byte proof-of-work result of hashing a job blob.
type Hash [HashSize]byte

// MaxHashStringSize is the maximum length of a Hash hash string.
const MaxHashStringSize = HashSize * 2

// ErrHashStrSize describes an error that indicates the caller specified a hash
// string that has the wrong number of characters.
var ErrHashStrSize = fmt.Errorf("hash string length must be %v characters",
	MaxHashStringSize)

// NewHashFromStr creates a Hash from its hexadecimal string.  Unlike block
// hashes, proof-of-work results are encoded in their natural byte order.
func NewHashFromStr(hash string) (*Hash, error) {
	if len(hash) != MaxHashStringSize {
		return nil, ErrHashStrSize
	}
	ret := new(Hash)
	if _, err := hex.Decode(ret[:], []byte(hash)); err != nil {
		return nil, err
	}
	return ret, nil
}

// String returns the Hash as a hexadecimal string in natural byte order,
// which is the form pools expect in share submissions.
func (hash Hash) String() string {
	return hex.EncodeToString(hash[:])
}

// MeetsTarget returns whether the hash satisfies the given 64-bit target.
// Only the last eight bytes, read as a little-endian integer, are compared.
func (hash *Hash) MeetsTarget(target uint64) bool {
	return binary.LittleEndian.Uint64(hash[HashSize-8:]) < target
}
