package mining

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTarget describes an error where a pool supplied a target that
// could not be decoded.
var ErrInvalidTarget = errors.New("invalid target")

// TargetFromHex decodes a pool target.  A 4-byte compact target t is expanded
// to a 64-bit target of 0xffffffffffffffff / (0xffffffff / t), while an 8-byte
// target is used as is.  Both are little-endian.
func TargetFromHex(s string) (uint64, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	switch len(raw) {
	case 4:
		compact := uint64(binary.LittleEndian.Uint32(raw))
		if compact == 0 {
			return 0, fmt.Errorf("%w: zero target", ErrInvalidTarget)
		}
		return math.MaxUint64 / (math.MaxUint32 / compact), nil

	case 8:
		target := binary.LittleEndian.Uint64(raw)
		if target == 0 {
			return 0, fmt.Errorf("%w: zero target", ErrInvalidTarget)
		}
		return target, nil
	}

	return 0, fmt.Errorf("%w: unexpected length %d", ErrInvalidTarget,
		len(raw))
}

// TargetDifficulty returns the share difficulty a target represents.
func TargetDifficulty(target uint64) uint64 {
	if target == 0 {
		return 0
	}
	return math.MaxUint64 / target
}
