package hashengine

import (
	"golang.org/x/crypto/argon2"

	"github.com/MonteCarloClub/powminer/mining"
)

// Chukwa parameters: Argon2id, 3 iterations over 512 KiB with a single lane,
// salted with the first 16 bytes of the blob.
const (
	chukwaIterations = 3
	chukwaMemoryKiB  = 512
	chukwaThreads    = 1
	chukwaSaltSize   = 16
)

func chukwaHash(blob []byte, out *mining.Hash) {
	sum := argon2.IDKey(blob, blob[:chukwaSaltSize], chukwaIterations,
		chukwaMemoryKiB, chukwaThreads, mining.HashSize)
	copy(out[:], sum)
}
