package encoding

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

type plainCodec struct{}

func (plainCodec) Decode(cur *Cursor, count int, opts Options) ([]types.Value, error) {
	values := make([]types.Value, 0, cur.capacity(count, 8))

	if opts.Type == parquet.Type_BOOLEAN {
		b, err := cur.Next((count + 7) / 8)
		if err != nil {
			return nil, err
		}
		for _, bit := range unpack(b, count, 1) {
			values = append(values, types.BooleanValue(bit == 1))
		}
		return values, nil
	}

	for i := 0; i < count; i++ {
		var v types.Value

		switch opts.Type {
		case parquet.Type_INT32:
			b, err := cur.Next(4)
			if err != nil {
				return nil, err
			}
			v = types.Int32Value(int32(binary.LittleEndian.Uint32(b)))

		case parquet.Type_INT64:
			b, err := cur.Next(8)
			if err != nil {
				return nil, err
			}
			v = types.Int64Value(int64(binary.LittleEndian.Uint64(b)))

		case parquet.Type_INT96:
			b, err := cur.Next(12)
			if err != nil {
				return nil, err
			}
			v = types.Int96Value([12]byte(b))

		case parquet.Type_FLOAT:
			b, err := cur.Next(4)
			if err != nil {
				return nil, err
			}
			v = types.FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(b)))

		case parquet.Type_DOUBLE:
			b, err := cur.Next(8)
			if err != nil {
				return nil, err
			}
			v = types.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(b)))

		case parquet.Type_BYTE_ARRAY:
			n, err := cur.Uint32()
			if err != nil {
				return nil, err
			}
			b, err := cur.Next(int(n))
			if err != nil {
				return nil, err
			}
			v = types.ByteArrayValue(b)

		case parquet.Type_FIXED_LEN_BYTE_ARRAY:
			b, err := cur.Next(opts.TypeLength)
			if err != nil {
				return nil, err
			}
			v = types.FixedLenByteArrayValue(b)

		default:
			return nil, fmt.Errorf("PLAIN does not support type %s", opts.Type)
		}

		values = append(values, v)
	}

	return values, nil
}

func (plainCodec) Encode(values []types.Value, opts Options) ([]byte, error) {
	if opts.Type == parquet.Type_BOOLEAN {
		bits := make([]uint64, len(values))
		for i, v := range values {
			if v.Boolean() {
				bits[i] = 1
			}
		}
		return pack(bits, 1), nil
	}

	var out []byte
	for _, v := range values {
		switch opts.Type {
		case parquet.Type_INT32:
			out = binary.LittleEndian.AppendUint32(out, uint32(v.Int32()))
		case parquet.Type_INT64:
			out = binary.LittleEndian.AppendUint64(out, uint64(v.Int64()))
		case parquet.Type_INT96:
			b := v.Int96()
			out = append(out, b[:]...)
		case parquet.Type_FLOAT:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v.Float()))
		case parquet.Type_DOUBLE:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.Double()))
		case parquet.Type_BYTE_ARRAY:
			out = binary.LittleEndian.AppendUint32(out, uint32(len(v.ByteArray())))
			out = append(out, v.ByteArray()...)
		case parquet.Type_FIXED_LEN_BYTE_ARRAY:
			if len(v.ByteArray()) != opts.TypeLength {
				return nil, fmt.Errorf("fixed length value has %d bytes, want %d", len(v.ByteArray()), opts.TypeLength)
			}
			out = append(out, v.ByteArray()...)
		default:
			return nil, fmt.Errorf("PLAIN does not support type %s", opts.Type)
		}
	}

	return out, nil
}
