package value

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Codec converts Values to and from an encoded payload.
type Codec interface {
	Marshal(v Value) ([]byte, error)
	Unmarshal(data []byte) (Value, error)
}

// JSON is the default codec. Every value is a tagged envelope
// {"t":"<kind>", ...} so that ints, floats, tuples and tensors survive a round
// trip exactly.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type envelope struct {
	T     string              `json:"t"`
	V     json.RawMessage     `json:"v,omitempty"`
	Items []envelope          `json:"items,omitempty"`
	Dict  map[string]envelope `json:"dict,omitempty"`
	DType DType               `json:"dtype,omitempty"`
	Shape []int               `json:"shape,omitempty"`
	Data  string              `json:"data,omitempty"`
	Ref   *refEnvelope        `json:"ref,omitempty"`
}

type refEnvelope struct {
	Instance int    `json:"instance"`
	Slot     uint64 `json:"slot"`
	Lease    uint64 `json:"lease"`
}

func (jsonCodec) Marshal(v Value) ([]byte, error) {
	env, err := toEnvelope(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("%w: trailing data", ErrMismatch)
	}
	return fromEnvelope(env)
}

func raw(x any) json.RawMessage {
	b, _ := json.Marshal(x)
	return b
}

func toEnvelope(v Value) (envelope, error) {
	env := envelope{T: v.kind.String()}
	switch v.kind {
	case KindNil:
	case KindBool:
		env.V = raw(v.b)
	case KindInt:
		env.V = json.RawMessage(strconv.FormatInt(v.i, 10))
	case KindFloat:
		switch {
		case math.IsNaN(v.f):
			env.V = raw("NaN")
		case math.IsInf(v.f, 1):
			env.V = raw("+Inf")
		case math.IsInf(v.f, -1):
			env.V = raw("-Inf")
		default:
			env.V = json.RawMessage(strconv.FormatFloat(v.f, 'g', -1, 64))
		}
	case KindString:
		env.V = raw(v.s)
	case KindBytes:
		env.V = raw(base64.StdEncoding.EncodeToString(v.bytes))
	case KindTensor:
		env.DType = v.tensor.DType
		env.Shape = v.tensor.Shape
		if env.Shape == nil {
			env.Shape = []int{}
		}
		buf := make([]byte, 8*len(v.tensor.Data))
		for i, x := range v.tensor.Data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
		}
		env.Data = base64.StdEncoding.EncodeToString(buf)
	case KindList, KindTuple:
		env.Items = make([]envelope, len(v.items))
		for i, item := range v.items {
			e, err := toEnvelope(item)
			if err != nil {
				return envelope{}, err
			}
			env.Items[i] = e
		}
	case KindDict:
		env.Dict = make(map[string]envelope, len(v.dict))
		for k, f := range v.dict {
			e, err := toEnvelope(f)
			if err != nil {
				return envelope{}, err
			}
			env.Dict[k] = e
		}
	case KindRef:
		env.Ref = &refEnvelope{Instance: v.ref.Instance, Slot: v.ref.Slot, Lease: v.ref.Lease}
	default:
		return envelope{}, fmt.Errorf("%w: kind %s", ErrUnrepresentable, v.kind)
	}
	return env, nil
}

func fromEnvelope(env envelope) (Value, error) {
	kind, ok := kindFromString(env.T)
	if !ok {
		return Value{}, fmt.Errorf("%w: unknown tag %q", ErrMismatch, env.T)
	}
	switch kind {
	case KindNil:
		return Nil(), nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(env.V, &b); err != nil {
			return Value{}, fmt.Errorf("%w: bool: %v", ErrMismatch, err)
		}
		return Bool(b), nil
	case KindInt:
		i, err := strconv.ParseInt(string(env.V), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int: %v", ErrMismatch, err)
		}
		return Int(i), nil
	case KindFloat:
		return decodeFloat(env.V)
	case KindString:
		var s string
		if err := json.Unmarshal(env.V, &s); err != nil {
			return Value{}, fmt.Errorf("%w: string: %v", ErrMismatch, err)
		}
		return String(s), nil
	case KindBytes:
		var s string
		if err := json.Unmarshal(env.V, &s); err != nil {
			return Value{}, fmt.Errorf("%w: bytes: %v", ErrMismatch, err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: bytes: %v", ErrMismatch, err)
		}
		return Value{kind: KindBytes, bytes: b}, nil
	case KindTensor:
		buf, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil || len(buf)%8 != 0 {
			return Value{}, fmt.Errorf("%w: tensor data", ErrMismatch)
		}
		data := make([]float64, len(buf)/8)
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
		t, err := NewTensor(env.DType, env.Shape, data)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrMismatch, err)
		}
		return Value{kind: KindTensor, tensor: t}, nil
	case KindList, KindTuple:
		items := make([]Value, len(env.Items))
		for i, e := range env.Items {
			item, err := fromEnvelope(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Value{kind: kind, items: items}, nil
	case KindDict:
		d := make(map[string]Value, len(env.Dict))
		for k, e := range env.Dict {
			f, err := fromEnvelope(e)
			if err != nil {
				return Value{}, err
			}
			d[k] = f
		}
		return Value{kind: KindDict, dict: d}, nil
	case KindRef:
		if env.Ref == nil {
			return Value{}, fmt.Errorf("%w: ref without target", ErrMismatch)
		}
		return RefTo(Ref{Instance: env.Ref.Instance, Slot: env.Ref.Slot, Lease: env.Ref.Lease}), nil
	}
	return Value{}, fmt.Errorf("%w: tag %q", ErrMismatch, env.T)
}

func decodeFloat(v json.RawMessage) (Value, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		switch s {
		case "NaN":
			return Float(math.NaN()), nil
		case "+Inf":
			return Float(math.Inf(1)), nil
		case "-Inf":
			return Float(math.Inf(-1)), nil
		}
		return Value{}, fmt.Errorf("%w: float %q", ErrMismatch, s)
	}
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: float: %v", ErrMismatch, err)
	}
	return Float(f), nil
}

// FromJSON converts plain, untagged JSON (as typed on a command line or sent
// by an HTTP client) into a Value. Integral numbers become ints.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	return fromPlain(x)
}

func fromPlain(x any) (Value, error) {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %s", ErrMismatch, t)
		}
		return Float(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			item, err := fromPlain(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Value{kind: KindList, items: items}, nil
	case map[string]any:
		d := make(map[string]Value, len(t))
		for k, e := range t {
			f, err := fromPlain(e)
			if err != nil {
				return Value{}, err
			}
			d[k] = f
		}
		return Value{kind: KindDict, dict: d}, nil
	}
	return From(x)
}

// ToJSON renders v as plain JSON for display. Tensors become
// {"dtype","shape","data"} objects and refs are rejected.
func ToJSON(v Value) ([]byte, error) {
	plain, err := toPlain(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

func toPlain(v Value) (any, error) {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return strconv.FormatFloat(v.f, 'g', -1, 64), nil
		}
		return v.f, nil
	case KindTensor:
		return map[string]any{"dtype": v.tensor.DType, "shape": v.tensor.Shape, "data": v.tensor.Data}, nil
	case KindList, KindTuple:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			p, err := toPlain(item)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case KindDict:
		out := make(map[string]any, len(v.dict))
		for k, f := range v.dict {
			p, err := toPlain(f)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	case KindRef:
		return nil, fmt.Errorf("%w: instance reference", ErrUnrepresentable)
	}
	return v.Interface(), nil
}
