package executor

import (
	"math"
	"testing"

	"github.com/caffeineduck/fleet/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

func TestEncodeScalar(t *testing.T) {
	enc, err := encodeScalar(api.ValueTypeI32, value.Bool(true))
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.DecodeI32(enc))

	enc, err = encodeScalar(api.ValueTypeI32, value.Int(-5))
	require.NoError(t, err)
	assert.Equal(t, int32(-5), api.DecodeI32(enc))

	enc, err = encodeScalar(api.ValueTypeF32, value.Int(3))
	require.NoError(t, err)
	assert.Equal(t, float32(3), api.DecodeF32(enc))

	enc, err = encodeScalar(api.ValueTypeF64, value.Float(math.Pi))
	require.NoError(t, err)
	assert.Equal(t, math.Pi, api.DecodeF64(enc))

	enc, err = encodeScalar(api.ValueTypeF32, value.Float(0.5))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), api.DecodeF32(enc))

	enc, err = encodeScalar(api.ValueTypeF32, value.Float(math.Inf(-1)))
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(api.DecodeF32(enc)), -1))

	enc, err = encodeScalar(api.ValueTypeF64, value.Int(1<<53))
	require.NoError(t, err)
	assert.Equal(t, float64(1<<53), api.DecodeF64(enc))

	for _, c := range []struct {
		t api.ValueType
		v value.Value
	}{
		{api.ValueTypeI32, value.Int(math.MaxInt32 + 1)},
		{api.ValueTypeI64, value.Float(1.5)},
		{api.ValueTypeF64, value.String("1")},
		{api.ValueTypeExternref, value.Int(1)},
		{api.ValueTypeF32, value.Float(1e300)},
		{api.ValueTypeF32, value.Float(math.Pi)},
		{api.ValueTypeF32, value.Int(1<<24 + 1)},
		{api.ValueTypeF64, value.Int(1<<53 + 1)},
		{api.ValueTypeF64, value.Int(-(1<<53 + 1))},
	} {
		_, err := encodeScalar(c.t, c.v)
		assert.ErrorIs(t, err, value.ErrUnrepresentable, "%s %s", api.ValueTypeName(c.t), c.v)
	}
}

func TestDecodeScalar(t *testing.T) {
	assert.True(t, decodeScalar(api.ValueTypeI32, api.EncodeI32(-1)).Equal(value.Int(-1)))
	assert.True(t, decodeScalar(api.ValueTypeI64, api.EncodeI64(math.MinInt64)).Equal(value.Int(math.MinInt64)))
	assert.True(t, decodeScalar(api.ValueTypeF32, api.EncodeF32(0.5)).Equal(value.Float(0.5)))
	assert.True(t, decodeScalar(api.ValueTypeF64, api.EncodeF64(-2)).Equal(value.Float(-2)))
}

func TestPackRoundTrip(t *testing.T) {
	ptr, length := unpack(pack(1024, 17))
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(17), length)
}
