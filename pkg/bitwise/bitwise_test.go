package bitwise

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func bin2uint(s string) uint64 {
	n, err := strconv.ParseUint(s, 2, 64)
	if err != nil {
		panic(err)
	}
	return n
}

func Test_Set(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bin2uint("10001111"), Set(bin2uint("00001111"), 7))
	assert.Equal(t, bin2uint("00001111"), Set(bin2uint("00001111"), 0))
}

func Test_Unset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bin2uint("00001011"), Unset(bin2uint("00001111"), 2))
	assert.Equal(t, bin2uint("00001111"), Unset(bin2uint("00001111"), 6))
}

func Test_Toggle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bin2uint("00001101"), Toggle(bin2uint("00001111"), 1))
	assert.Equal(t, bin2uint("00001111"), Toggle(bin2uint("00001101"), 1))
}

func Test_IsSet(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSet(bin2uint("00001111"), 3))
	assert.False(t, IsSet(bin2uint("00001111"), 4))
}
