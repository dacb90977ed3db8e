package executor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/caffeineduck/fleet/value"
	"github.com/tetratelabs/wazero/api"
)

// callScalar passes each argument as one wasm numeric parameter.
func callScalar(ctx context.Context, name string, fn api.Function, args []value.Value) (value.Value, error) {
	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return value.Value{}, fmt.Errorf("%w: %s takes %d, got %d", ErrArity, name, len(params), len(args))
	}

	stack := make([]uint64, len(params))
	for i, t := range params {
		enc, err := encodeScalar(t, args[i])
		if err != nil {
			return value.Value{}, fmt.Errorf("%s argument %d: %w", name, i, err)
		}
		stack[i] = enc
	}

	results, err := fn.Call(ctx, stack...)
	if err != nil {
		return value.Value{}, fmt.Errorf("call %s: %w", name, err)
	}

	types := def.ResultTypes()
	switch len(types) {
	case 0:
		return value.Nil(), nil
	case 1:
		return decodeScalar(types[0], results[0]), nil
	}
	out := make([]value.Value, len(types))
	for i, t := range types {
		out[i] = decodeScalar(t, results[i])
	}
	return value.Tuple(out...), nil
}

func encodeScalar(t api.ValueType, v value.Value) (uint64, error) {
	switch t {
	case api.ValueTypeI32, api.ValueTypeI64:
		var i int64
		if b, ok := v.AsBool(); ok {
			if b {
				i = 1
			}
		} else if n, ok := v.AsInt(); ok {
			i = n
		} else {
			return 0, fmt.Errorf("%w: %s as %s", value.ErrUnrepresentable, v.Kind(), api.ValueTypeName(t))
		}
		if t == api.ValueTypeI64 {
			return api.EncodeI64(i), nil
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d overflows i32", value.ErrUnrepresentable, i)
		}
		return api.EncodeI32(int32(i)), nil

	case api.ValueTypeF32, api.ValueTypeF64:
		if n, ok := v.AsInt(); ok {
			limit := int64(1) << 53
			if t == api.ValueTypeF32 {
				limit = 1 << 24
			}
			if n > limit || n < -limit {
				return 0, fmt.Errorf("%w: %d is not exact as %s", value.ErrUnrepresentable, n, api.ValueTypeName(t))
			}
		}
		f, ok := v.AsFloat()
		if !ok {
			return 0, fmt.Errorf("%w: %s as %s", value.ErrUnrepresentable, v.Kind(), api.ValueTypeName(t))
		}
		if t == api.ValueTypeF32 {
			narrow := float32(f)
			if !math.IsNaN(f) && float64(narrow) != f {
				return 0, fmt.Errorf("%w: %g is not exact as f32", value.ErrUnrepresentable, f)
			}
			return api.EncodeF32(narrow), nil
		}
		return api.EncodeF64(f), nil
	}
	return 0, fmt.Errorf("%w: parameter type %s", value.ErrUnrepresentable, api.ValueTypeName(t))
}

func decodeScalar(t api.ValueType, raw uint64) value.Value {
	switch t {
	case api.ValueTypeI32:
		return value.Int(int64(api.DecodeI32(raw)))
	case api.ValueTypeI64:
		return value.Int(int64(raw))
	case api.ValueTypeF32:
		return value.Float(float64(api.DecodeF32(raw)))
	case api.ValueTypeF64:
		return value.Float(api.DecodeF64(raw))
	}
	return value.Nil()
}

// callBuffer encodes the arguments as one tuple, copies it into guest memory
// through the module's Alloc export, and decodes the buffer the export
// returns. Both sides of the call are packed ptr<<32|len.
func callBuffer(ctx context.Context, codec value.Codec, mod api.Module, name string, fn api.Function, args []value.Value) (value.Value, error) {
	def := fn.Definition()
	if len(def.ParamTypes()) != 1 || len(def.ResultTypes()) != 1 {
		return value.Value{}, fmt.Errorf("%w: buffer export %s must take and return one i64", ErrArity, name)
	}

	payload, err := codec.Marshal(value.Tuple(args...))
	if err != nil {
		return value.Value{}, fmt.Errorf("encode %s arguments: %w", name, err)
	}

	ptr, err := allocBuffer(ctx, mod, payload)
	if err != nil {
		return value.Value{}, fmt.Errorf("call %s: %w", name, err)
	}

	results, err := fn.Call(ctx, pack(ptr, uint32(len(payload))))
	if err != nil {
		return value.Value{}, fmt.Errorf("call %s: %w", name, err)
	}

	rptr, rlen := unpack(results[0])
	data, ok := mod.Memory().Read(rptr, rlen)
	if !ok {
		return value.Value{}, fmt.Errorf("call %s: result %d[%d] out of bounds", name, rptr, rlen)
	}

	// Read returns a view of guest memory.
	out, err := codec.Unmarshal(append([]byte(nil), data...))
	if err != nil {
		return value.Value{}, fmt.Errorf("decode %s result: %w", name, err)
	}
	return out, nil
}

func allocBuffer(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("Alloc")
	if alloc == nil {
		return 0, errors.New("module exports no Alloc")
	}
	if mod.Memory() == nil {
		return 0, errors.New("module exports no memory")
	}

	results, err := alloc.Call(ctx, api.EncodeI32(int32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) < 1 {
		return 0, errors.New("alloc returned no results")
	}

	ptr, _ := unpack(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, errors.New("memory write failed: bounds exceeded")
	}
	return ptr, nil
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
