package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConversions(t *testing.T) {
	assert.Equal(t, []int{0, 7, 65535}, Uint32SliceToIntSlice([]uint32{0, 7, 65535}))
	assert.Equal(t, []int64{1, 2}, Uint32SliceToInt64Slice([]uint32{1, 2}))
	assert.Equal(t, uint32(0), Int64ToUint32(-1))
	assert.Equal(t, uint32(42), Int64ToUint32(42))
	assert.Equal(t, uint32(math.MaxUint32), Int64ToUint32(math.MaxInt64))
}

func TestDurations(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, uint64(time.Millisecond), DurationToU64(time.Millisecond))
	assert.Equal(t, time.Second, U64ToDuration(uint64(time.Second)))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
}
