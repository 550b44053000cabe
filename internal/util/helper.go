package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// MaxUint48 is the largest value representable in 48 bits.
const MaxUint48 = 1<<48 - 1

// PutUint48 stores the low 48 bits of v into b[0:6] in big-endian order.
func PutUint48(b []byte, v uint64) {
	_ = b[5] // bounds check hint to compiler
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// Uint48 decodes a big-endian 48-bit value from b[0:6].
func Uint48(b []byte) uint64 {
	_ = b[5] // bounds check hint to compiler
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
