package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fraugster/parquet-go/parquet"
)

// Value が保持する物理型
type Kind int8

const (
	Boolean Kind = iota
	Int32
	Int64
	Int96
	Float
	Double
	ByteArray
	FixedLenByteArray
)

// 列に格納される1つの物理値
type Value struct {
	kind Kind
	num  uint64
	ptr  []byte
}

func BooleanValue(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: Boolean, num: n}
}

func Int32Value(n int32) Value {
	return Value{kind: Int32, num: uint64(uint32(n))}
}

func Int64Value(n int64) Value {
	return Value{kind: Int64, num: uint64(n)}
}

// 旧式の12バイトのタイムスタンプ
func Int96Value(b [12]byte) Value {
	return Value{kind: Int96, ptr: b[:]}
}

func FloatValue(f float32) Value {
	return Value{kind: Float, num: uint64(math.Float32bits(f))}
}

func DoubleValue(f float64) Value {
	return Value{kind: Double, num: math.Float64bits(f)}
}

func ByteArrayValue(b []byte) Value {
	return Value{kind: ByteArray, ptr: b}
}

func FixedLenByteArrayValue(b []byte) Value {
	return Value{kind: FixedLenByteArray, ptr: b}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) Boolean() bool { return v.num != 0 }
func (v Value) Int32() int32 { return int32(uint32(v.num)) }
func (v Value) Int64() int64 { return int64(v.num) }
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.num)) }
func (v Value) Double() float64 { return math.Float64frombits(v.num) }
func (v Value) ByteArray() []byte { return v.ptr }

func (v Value) Int96() (b [12]byte) {
	copy(b[:], v.ptr)
	return b
}

func (v Value) String() string {
	switch v.kind {
	case Boolean:
		return fmt.Sprint(v.Boolean())
	case Int32:
		return fmt.Sprint(v.Int32())
	case Int64:
		return fmt.Sprint(v.Int64())
	case Float:
		return fmt.Sprint(v.Float())
	case Double:
		return fmt.Sprint(v.Double())
	default:
		return fmt.Sprintf("%x", v.ptr)
	}
}

func KindOf(t parquet.Type) (Kind, error) {
	switch t {
	case parquet.Type_BOOLEAN:
		return Boolean, nil
	case parquet.Type_INT32:
		return Int32, nil
	case parquet.Type_INT64:
		return Int64, nil
	case parquet.Type_INT96:
		return Int96, nil
	case parquet.Type_FLOAT:
		return Float, nil
	case parquet.Type_DOUBLE:
		return Double, nil
	case parquet.Type_BYTE_ARRAY:
		return ByteArray, nil
	case parquet.Type_FIXED_LEN_BYTE_ARRAY:
		return FixedLenByteArray, nil
	default:
		return 0, fmt.Errorf("unknown physical type %s", t)
	}
}

func Equal(a, b Value) bool {
	return a.kind == b.kind && a.num == b.num && bytes.Equal(a.ptr, b.ptr)
}

// 統計値の表現。BYTE_ARRAY の長さを前置しない PLAIN エンコーディング
func StatBytes(v Value) []byte {
	switch v.kind {
	case Boolean:
		if v.Boolean() {
			return []byte{1}
		}
		return []byte{0}
	case Int32, Float:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.num))
	case Int64, Double:
		return binary.LittleEndian.AppendUint64(nil, v.num)
	default:
		return append([]byte(nil), v.ptr...)
	}
}

func ParseStat(t parquet.Type, b []byte) (Value, error) {
	kind, err := KindOf(t)
	if err != nil {
		return Value{}, err
	}

	switch kind {
	case Boolean:
		if len(b) < 1 {
			return Value{}, fmt.Errorf("short boolean statistic: %d bytes", len(b))
		}
		return BooleanValue(b[0] != 0), nil
	case Int32, Float:
		if len(b) < 4 {
			return Value{}, fmt.Errorf("short 4-byte statistic: %d bytes", len(b))
		}
		return Value{kind: kind, num: uint64(binary.LittleEndian.Uint32(b))}, nil
	case Int64, Double:
		if len(b) < 8 {
			return Value{}, fmt.Errorf("short 8-byte statistic: %d bytes", len(b))
		}
		return Value{kind: kind, num: binary.LittleEndian.Uint64(b)}, nil
	default:
		return Value{kind: kind, ptr: b}, nil
	}
}
