package mining

import (
	"encoding/binary"
	"fmt"
)

const (
	// NonceOffset is the byte offset of the 32-bit nonce inside a hashing
	// blob.
	NonceOffset = 39

	// NonceSize is the number of bytes the nonce occupies in a blob.
	NonceSize = 4

	// MinBlobSize is the smallest blob a nonce can be written into.
	MinBlobSize = NonceOffset + NonceSize
)

// Job is a unit of hashing work handed out by a pool.  Once published through
// a JobState a Job is shared by every worker and must be treated as
// immutable, including the Blob slice.
type Job struct {
	// ID is the pool-assigned job identifier echoed back on submission.
	ID string

	// Blob is the hashing blob the nonce is written into.
	Blob []byte

	// Target is the expanded 64-bit share target.
	Target uint64

	// Algo names the hash algorithm, for example "rx/0".
	Algo string

	// SeedHash keys the RandomX dataset.  It is empty for algorithms
	// without a seed.
	SeedHash []byte

	// Height is the chain height the job builds on, when the pool sends
	// it.
	Height uint64

	// Version is assigned by JobState when the job is published.  It
	// increases by one with every replacement.
	Version uint64
}

// String returns a short human readable description of the job.
func (j *Job) String() string {
	return fmt.Sprintf("job %s (v%d, algo %s, height %d, diff %d)", j.ID,
		j.Version, j.Algo, j.Height, TargetDifficulty(j.Target))
}

// PutNonce writes nonce into blob at NonceOffset in little-endian order.  The
// blob must be at least MinBlobSize bytes long.
func PutNonce(blob []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(blob[NonceOffset:], nonce)
}

// Share is a nonce whose hash met the job target.
type Share struct {
	JobID      string
	JobVersion uint64
	Nonce      uint32
	Result     Hash
}

// NonceHex returns the nonce in the 8-character little-endian hex form pools
// expect.
func (s *Share) NonceHex() string {
	var b [NonceSize]byte
	binary.LittleEndian.PutUint32(b[:], s.Nonce)
	return fmt.Sprintf("%x", b[:])
}
