package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/shopspring/decimal"
)

var ErrTypeCoercion = errors.New("type coercion failed")

// 葉の列の論理型と、それを格納する物理型
type Type struct {
	Name      string                 `json:"name"`
	Physical  parquet.Type           `json:"physical"`
	Converted *parquet.ConvertedType `json:"converted,omitempty"`
	Length    int32                  `json:"length,omitempty"`
	Scale     int32                  `json:"scale,omitempty"`
	Precision int32                  `json:"precision,omitempty"`
}

func converted(c parquet.ConvertedType) *parquet.ConvertedType {
	return &c
}

type typeDef struct {
	physical  parquet.Type
	converted *parquet.ConvertedType
}

var typeDefs = map[string]typeDef{
	"BOOLEAN":              {physical: parquet.Type_BOOLEAN},
	"INT32":                {physical: parquet.Type_INT32},
	"INT64":                {physical: parquet.Type_INT64},
	"INT96":                {physical: parquet.Type_INT96},
	"FLOAT":                {physical: parquet.Type_FLOAT},
	"DOUBLE":               {physical: parquet.Type_DOUBLE},
	"BYTE_ARRAY":           {physical: parquet.Type_BYTE_ARRAY},
	"FIXED_LEN_BYTE_ARRAY": {physical: parquet.Type_FIXED_LEN_BYTE_ARRAY},
	"UTF8":                 {parquet.Type_BYTE_ARRAY, converted(parquet.ConvertedType_UTF8)},
	"ENUM":                 {parquet.Type_BYTE_ARRAY, converted(parquet.ConvertedType_ENUM)},
	"JSON":                 {parquet.Type_BYTE_ARRAY, converted(parquet.ConvertedType_JSON)},
	"DATE":                 {parquet.Type_INT32, converted(parquet.ConvertedType_DATE)},
	"TIME_MILLIS":          {parquet.Type_INT32, converted(parquet.ConvertedType_TIME_MILLIS)},
	"TIME_MICROS":          {parquet.Type_INT64, converted(parquet.ConvertedType_TIME_MICROS)},
	"TIMESTAMP_MILLIS":     {parquet.Type_INT64, converted(parquet.ConvertedType_TIMESTAMP_MILLIS)},
	"TIMESTAMP_MICROS":     {parquet.Type_INT64, converted(parquet.ConvertedType_TIMESTAMP_MICROS)},
	"INT_8":                {parquet.Type_INT32, converted(parquet.ConvertedType_INT_8)},
	"INT_16":               {parquet.Type_INT32, converted(parquet.ConvertedType_INT_16)},
	"INT_32":               {parquet.Type_INT32, converted(parquet.ConvertedType_INT_32)},
	"INT_64":               {parquet.Type_INT64, converted(parquet.ConvertedType_INT_64)},
	"UINT_8":               {parquet.Type_INT32, converted(parquet.ConvertedType_UINT_8)},
	"UINT_16":              {parquet.Type_INT32, converted(parquet.ConvertedType_UINT_16)},
	"UINT_32":              {parquet.Type_INT32, converted(parquet.ConvertedType_UINT_32)},
	"UINT_64":              {parquet.Type_INT64, converted(parquet.ConvertedType_UINT_64)},
	"DECIMAL":              {parquet.Type_FIXED_LEN_BYTE_ARRAY, converted(parquet.ConvertedType_DECIMAL)},
	"INTERVAL":             {parquet.Type_FIXED_LEN_BYTE_ARRAY, converted(parquet.ConvertedType_INTERVAL)},
}

// 名前から論理型を引く。DECIMAL は length が無ければ精度に合わせた FIXED_LEN_BYTE_ARRAY
func Lookup(name string, length, scale, precision int32) (*Type, error) {
	def, ok := typeDefs[name]
	if !ok {
		return nil, fmt.Errorf("unknown logical type %q", name)
	}

	t := &Type{
		Name:      name,
		Physical:  def.physical,
		Converted: def.converted,
		Length:    length,
		Scale:     scale,
		Precision: precision,
	}

	switch name {
	case "INTERVAL":
		t.Length = 12
	case "DECIMAL":
		if precision <= 0 {
			return nil, fmt.Errorf("DECIMAL requires a positive precision")
		}
		if t.Length == 0 {
			t.Length = decimalLength(precision)
		}
	case "FIXED_LEN_BYTE_ARRAY":
		if t.Length <= 0 {
			return nil, fmt.Errorf("FIXED_LEN_BYTE_ARRAY requires a positive length")
		}
	}

	return t, nil
}

// スキーマ要素の論理型。知らない変換型は物理型として扱う
func FromElement(physical parquet.Type, conv *parquet.ConvertedType, length, scale, precision int32) *Type {
	t := &Type{
		Name:      physical.String(),
		Physical:  physical,
		Length:    length,
		Scale:     scale,
		Precision: precision,
	}

	if conv != nil {
		if def, ok := typeDefs[conv.String()]; ok && def.converted != nil {
			t.Name = conv.String()
			t.Converted = conv
		}
	}

	return t
}

// precision 桁を2の補数で保持できる最小のバイト数
func decimalLength(precision int32) int32 {
	bitsNeeded := math.Ceil(float64(precision)*math.Log2(10)) + 1
	return int32(math.Ceil(bitsNeeded / 8))
}

func coercionError(t *Type, v any) error {
	return fmt.Errorf("%w: cannot convert %T to %s", ErrTypeCoercion, v, t.Name)
}

// 論理値を物理値に変換する
func ToPrimitive(t *Type, v any) (Value, error) {
	switch t.Name {
	case "BOOLEAN":
		switch b := v.(type) {
		case bool:
			return BooleanValue(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return Value{}, coercionError(t, v)
			}
			return BooleanValue(parsed), nil
		}
		return Value{}, coercionError(t, v)

	case "INT32", "INT_32":
		n, err := toInt64(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(n)), nil

	case "INT_8":
		n, err := toInt64(v, math.MinInt8, math.MaxInt8)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(n)), nil

	case "INT_16":
		n, err := toInt64(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(n)), nil

	case "INT64", "INT_64":
		n, err := toInt64(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int64Value(n), nil

	case "UINT_8", "UINT_16", "UINT_32":
		limit := map[string]uint64{"UINT_8": math.MaxUint8, "UINT_16": math.MaxUint16, "UINT_32": math.MaxUint32}[t.Name]
		n, err := toUint64(v, limit)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(uint32(n))), nil

	case "UINT_64":
		n, err := toUint64(v, math.MaxUint64)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int64Value(int64(n)), nil

	case "FLOAT":
		f, err := toFloat64(v)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return FloatValue(float32(f)), nil

	case "DOUBLE":
		f, err := toFloat64(v)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return DoubleValue(f), nil

	case "BYTE_ARRAY", "UTF8", "ENUM":
		b, err := toBytes(v)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return ByteArrayValue(b), nil

	case "FIXED_LEN_BYTE_ARRAY", "INTERVAL":
		b, err := toBytes(v)
		if err != nil || int32(len(b)) != t.Length {
			return Value{}, coercionError(t, v)
		}
		return FixedLenByteArrayValue(b), nil

	case "JSON":
		b, err := json.Marshal(v)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrTypeCoercion, err)
		}
		return ByteArrayValue(b), nil

	case "DATE":
		ts, err := toTime(v, time.Hour*24)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(ts.Unix() / 86400)), nil

	case "TIME_MILLIS":
		d, err := toDuration(v, time.Millisecond)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int32Value(int32(d / time.Millisecond)), nil

	case "TIME_MICROS":
		d, err := toDuration(v, time.Microsecond)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int64Value(int64(d / time.Microsecond)), nil

	case "TIMESTAMP_MILLIS":
		ts, err := toTime(v, time.Millisecond)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int64Value(ts.UnixMilli()), nil

	case "TIMESTAMP_MICROS":
		ts, err := toTime(v, time.Microsecond)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int64Value(ts.UnixMicro()), nil

	case "INT96":
		ts, err := toTime(v, time.Nanosecond)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return Int96Value(timeToInt96(ts)), nil

	case "DECIMAL":
		d, err := toDecimal(v)
		if err != nil {
			return Value{}, coercionError(t, v)
		}
		return decimalToPrimitive(t, d)
	}

	return Value{}, fmt.Errorf("%w: unsupported logical type %s", ErrTypeCoercion, t.Name)
}

// 物理値を論理値に戻す
func FromPrimitive(t *Type, v Value) (any, error) {
	switch t.Name {
	case "BOOLEAN":
		return v.Boolean(), nil
	case "INT32", "INT_8", "INT_16", "INT_32":
		return v.Int32(), nil
	case "INT64", "INT_64":
		return v.Int64(), nil
	case "UINT_8", "UINT_16", "UINT_32":
		return uint32(v.Int32()), nil
	case "UINT_64":
		return uint64(v.Int64()), nil
	case "FLOAT":
		return v.Float(), nil
	case "DOUBLE":
		return v.Double(), nil
	case "BYTE_ARRAY", "FIXED_LEN_BYTE_ARRAY", "INTERVAL":
		return v.ByteArray(), nil
	case "UTF8", "ENUM":
		return string(v.ByteArray()), nil
	case "JSON":
		var out any
		if err := json.Unmarshal(v.ByteArray(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode JSON value: %w", err)
		}
		return out, nil
	case "DATE":
		return time.Unix(int64(v.Int32())*86400, 0).UTC(), nil
	case "TIME_MILLIS":
		return time.Duration(v.Int32()) * time.Millisecond, nil
	case "TIME_MICROS":
		return time.Duration(v.Int64()) * time.Microsecond, nil
	case "TIMESTAMP_MILLIS":
		return time.UnixMilli(v.Int64()).UTC(), nil
	case "TIMESTAMP_MICROS":
		return time.UnixMicro(v.Int64()).UTC(), nil
	case "INT96":
		return int96ToTime(v.Int96()), nil
	case "DECIMAL":
		switch v.Kind() {
		case Int32:
			return decimal.New(int64(v.Int32()), -t.Scale), nil
		case Int64:
			return decimal.New(v.Int64(), -t.Scale), nil
		default:
			return decimal.NewFromBigInt(bytesToBig(v.ByteArray()), -t.Scale), nil
		}
	}

	return nil, fmt.Errorf("unsupported logical type %s", t.Name)
}

func toInt64(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, strconv.ErrRange
		}
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, strconv.ErrRange
		}
		n = int64(x)
	case float32:
		return toInt64(float64(x), lo, hi)
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, strconv.ErrRange
		}
		n = int64(x)
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	case json.Number:
		parsed, err := x.Int64()
		if err != nil {
			return 0, err
		}
		n = parsed
	default:
		return 0, ErrTypeCoercion
	}

	if n < lo || n > hi {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func toUint64(v any, hi uint64) (uint64, error) {
	var n uint64
	switch x := v.(type) {
	case uint:
		n = uint64(x)
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case string:
		parsed, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	default:
		signed, err := toInt64(v, 0, math.MaxInt64)
		if err != nil {
			return 0, err
		}
		n = uint64(signed)
	}

	if n > hi {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	case json.Number:
		return x.Float64()
	}

	n, err := toInt64(v, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, ErrTypeCoercion
}

// time.Time、RFC3339 の文字列、Unix エポックからの unit 単位の整数を受け付ける
func toTime(v any, unit time.Duration) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	}

	n, err := toInt64(v, math.MinInt64, math.MaxInt64)
	if err != nil {
		return time.Time{}, err
	}

	switch unit {
	case time.Hour * 24:
		return time.Unix(n*86400, 0), nil
	case time.Millisecond:
		return time.UnixMilli(n), nil
	case time.Microsecond:
		return time.UnixMicro(n), nil
	default:
		return time.Unix(0, n), nil
	}
}

func toDuration(v any, unit time.Duration) (time.Duration, error) {
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}

	n, err := toInt64(v, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		return decimal.NewFromString(x)
	case float32:
		return decimal.NewFromFloat32(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	}

	n, err := toInt64(v, math.MinInt64, math.MaxInt64)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromInt(n), nil
}

func decimalToPrimitive(t *Type, d decimal.Decimal) (Value, error) {
	unscaled := d.Shift(t.Scale).BigInt()

	switch t.Physical {
	case parquet.Type_INT32:
		if !unscaled.IsInt64() || unscaled.Int64() < math.MinInt32 || unscaled.Int64() > math.MaxInt32 {
			return Value{}, coercionError(t, d)
		}
		return Int32Value(int32(unscaled.Int64())), nil
	case parquet.Type_INT64:
		if !unscaled.IsInt64() {
			return Value{}, coercionError(t, d)
		}
		return Int64Value(unscaled.Int64()), nil
	case parquet.Type_FIXED_LEN_BYTE_ARRAY:
		b, err := bigToBytes(unscaled, int(t.Length))
		if err != nil {
			return Value{}, coercionError(t, d)
		}
		return FixedLenByteArrayValue(b), nil
	default:
		b, _ := bigToBytes(unscaled, 0)
		return ByteArrayValue(b), nil
	}
}

// ビッグエンディアンの2の補数。size が0なら最小の幅
func bigToBytes(n *big.Int, size int) ([]byte, error) {
	if size <= 0 {
		size = n.BitLen()/8 + 1
	}
	if n.BitLen() >= size*8 {
		return nil, strconv.ErrRange
	}

	out := make([]byte, size)
	if n.Sign() >= 0 {
		n.FillBytes(out)
		return out, nil
	}

	mod := new(big.Int).Lsh(big.NewInt(1), uint(size*8))
	new(big.Int).Add(mod, n).FillBytes(out)
	return out, nil
}

func bytesToBig(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}

const julianUnixEpoch = 2440588

func timeToInt96(t time.Time) (b [12]byte) {
	t = t.UTC()
	days := t.Unix()/86400 + julianUnixEpoch
	nanos := t.Sub(time.Unix((days-julianUnixEpoch)*86400, 0))
	if nanos < 0 {
		days--
		nanos += 24 * time.Hour
	}

	binary.LittleEndian.PutUint64(b[:8], uint64(nanos))
	binary.LittleEndian.PutUint32(b[8:], uint32(days))
	return b
}

func int96ToTime(b [12]byte) time.Time {
	nanos := int64(binary.LittleEndian.Uint64(b[:8]))
	days := int64(binary.LittleEndian.Uint32(b[8:]))
	return time.Unix((days-julianUnixEpoch)*86400, nanos).UTC()
}
