package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSlice(t *testing.T) {
	require := require.New(t)

	src := []byte{1, 2, 3}
	clone := CloneSlice(src, 0)
	require.Equal(src, clone)
	clone[0] = 9
	require.Equal(byte(1), src[0])

	require.Equal([]byte{1, 2, 3, 0}, CloneSlice(src, 4))
}

func TestUint48(t *testing.T) {
	require := require.New(t)

	b := make([]byte, 6)
	PutUint48(b, 0x010203040506)
	require.Equal([]byte{1, 2, 3, 4, 5, 6}, b)
	require.Equal(uint64(0x010203040506), Uint48(b))

	PutUint48(b, MaxUint48+1)
	require.Equal(uint64(0), Uint48(b))
}
