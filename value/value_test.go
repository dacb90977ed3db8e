package value

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues(t *testing.T) []Value {
	t.Helper()

	tensor, err := NewTensor(Float64, []int{2, 3}, []float64{1, 2, 3, 4, 5, math.NaN()})
	require.NoError(t, err)

	return []Value{
		Nil(),
		Bool(true),
		Int(math.MaxInt64),
		Int(math.MinInt64),
		Float(0.1),
		Float(math.Inf(-1)),
		Float(math.NaN()),
		String("héllo"),
		Bytes([]byte{0, 1, 2, 255}),
		TensorValue(tensor),
		TensorValue(Ones(10, 20)),
		List(Int(1), String("two"), List()),
		Tuple(Float(2.5), Tuple(Nil())),
		Dict(map[string]Value{
			"weights": TensorValue(Ones(3)),
			"meta":    Dict(map[string]Value{"layers": Int(4)}),
			"names":   List(String("a"), String("b")),
		}),
		RefTo(Ref{Instance: 2, Slot: 7, Lease: 3}),
	}
}

func TestJSONRoundTripPreservesEquality(t *testing.T) {
	for _, v := range sampleValues(t) {
		data, err := JSON.Marshal(v)
		require.NoError(t, err, "marshal %s", v)

		got, err := JSON.Unmarshal(data)
		require.NoError(t, err, "unmarshal %s", data)
		assert.True(t, v.Equal(got), "round trip changed %s into %s", v, got)
		assert.Equal(t, v.Kind(), got.Kind())
	}
}

func TestUnmarshalMismatch(t *testing.T) {
	payloads := []string{
		``,
		`{"t":"int","v":"five"}`,
		`{"t":"widget"}`,
		`{"t":"tensor","dtype":"float64","shape":[3],"data":"AAAAAAAA8D8="}`,
		`{"t":"ref"}`,
		`{"t":"nil"} {"t":"nil"}`,
		`{"t":"tensor","dtype":"float64","shape":[4294967296,4294967296],"data":""}`,
	}
	for _, p := range payloads {
		_, err := JSON.Unmarshal([]byte(p))
		assert.True(t, errors.Is(err, ErrMismatch), "payload %q: got %v", p, err)
	}
}

func TestFromGoValues(t *testing.T) {
	v, err := From(map[string]any{
		"n":    uint8(3),
		"xs":   []int{1, 2},
		"f":    float32(0.5),
		"ok":   true,
		"none": nil,
	})
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind())

	n, _ := v.Field("n")
	i, ok := n.AsInt()
	assert.True(t, ok)
	assert.EqualValues(t, 3, i)

	xs, _ := v.Field("xs")
	assert.Equal(t, 2, xs.Len())

	assert.Equal(t, []string{"f", "n", "none", "ok", "xs"}, v.Keys())
}

func TestFromRejectsUnrepresentable(t *testing.T) {
	cases := []any{
		struct{ A int }{1},
		make(chan int),
		func() {},
		uint64(math.MaxUint64),
		map[int]string{1: "x"},
		[]any{1, struct{}{}},
	}
	for _, c := range cases {
		_, err := From(c)
		assert.True(t, errors.Is(err, ErrUnrepresentable), "%T: got %v", c, err)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	raw := []byte{1, 2, 3}
	v := List(Bytes(raw), TensorValue(Ones(2)))
	raw[0] = 9

	c := v.Clone()
	items := v.Items()
	b, _ := items[0].AsBytes()
	assert.Equal(t, byte(1), b[0])

	tensor, _ := c.Items()[1].AsTensor()
	tensor.Data[0] = 42
	assert.True(t, v.Equal(c))
}

func TestInterfaceRoundTrip(t *testing.T) {
	v := Dict(map[string]Value{
		"a": List(Int(1), Float(2)),
		"b": String("x"),
	})
	back, err := From(v.Interface())
	require.NoError(t, err)
	assert.True(t, v.Equal(back))
}

func TestMapReplacesNested(t *testing.T) {
	v := List(Int(1), Tuple(Int(2), RefTo(Ref{Slot: 1})))
	out, err := v.Map(func(x Value) (Value, error) {
		if i, ok := x.AsInt(); ok {
			return Int(i * 10), nil
		}
		if _, ok := x.AsRef(); ok {
			return String("deref"), nil
		}
		return x, nil
	})
	require.NoError(t, err)
	assert.True(t, out.Equal(List(Int(10), Tuple(Int(20), String("deref")))), out.String())
}

func TestFromJSONPlain(t *testing.T) {
	v, err := FromJSON([]byte(`{"x":[1,2.5,"s",true,null]}`))
	require.NoError(t, err)

	x, ok := v.Field("x")
	require.True(t, ok)
	want := List(Int(1), Float(2.5), String("s"), Bool(true), Nil())
	assert.True(t, x.Equal(want), x.String())

	out, err := ToJSON(x)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2.5,"s",true,null]`, string(out))

	_, err = ToJSON(RefTo(Ref{}))
	assert.ErrorIs(t, err, ErrUnrepresentable)
}

func TestTensorAllClose(t *testing.T) {
	a, err := NewTensor(Float32, []int{2}, []float64{1, 2})
	require.NoError(t, err)
	b, err := NewTensor(Float32, []int{2}, []float64{1.00001, 2})
	require.NoError(t, err)

	assert.False(t, a.Equal(b))
	assert.True(t, a.AllClose(b, 1e-3, 1e-5))
	assert.False(t, a.AllClose(Ones(3), 1, 1))

	_, err = NewTensor(Float32, []int{2, 2}, []float64{1})
	assert.Error(t, err)
	_, err = NewTensor(Float64, []int{math.MaxInt/2 + 1, 2}, nil)
	assert.ErrorIs(t, err, errShape)
	_, err = NewTensor(Float64, []int{0, math.MaxInt, 4}, nil)
	assert.NoError(t, err)
	_, err = NewTensor("complex", []int{1}, []float64{1})
	assert.ErrorIs(t, err, ErrUnrepresentable)
}
