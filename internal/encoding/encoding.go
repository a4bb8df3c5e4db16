package encoding

import (
	"errors"
	"fmt"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

var ErrUnsupportedEncoding = errors.New("unsupported encoding")

type (
	Options struct {
		Type       parquet.Type
		TypeLength int
		BitWidth   int

		// DATA_PAGE_V2 のレベルは4バイトの長さを前置しない
		DisableEnvelope bool
	}

	// エンコーディング毎の状態を持たない符号化器。
	// Decode は count 個の値を読み、消費したバイト分だけカーソルを進める
	Codec interface {
		Decode(cur *Cursor, count int, opts Options) ([]types.Value, error)
		Encode(values []types.Value, opts Options) ([]byte, error)
	}
)

var codecs = map[string]Codec{
	"PLAIN":               plainCodec{},
	"RLE":                 rleCodec{},
	"BIT_PACKED":          bitPackedCodec{},
	"DELTA_BINARY_PACKED": deltaCodec{},
}

// エンコーディング名から符号化器を引く
func Lookup(enc parquet.Encoding) (Codec, error) {
	codec, ok := codecs[enc.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
	return codec, nil
}

func Decode(enc parquet.Encoding, cur *Cursor, count int, opts Options) ([]types.Value, error) {
	codec, err := Lookup(enc)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid value count %d", count)
	}

	values, err := codec.Decode(cur, count, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %d %s values: %w", count, enc, err)
	}
	return values, nil
}

func Encode(enc parquet.Encoding, values []types.Value, opts Options) ([]byte, error) {
	codec, err := Lookup(enc)
	if err != nil {
		return nil, err
	}
	return codec.Encode(values, opts)
}

// 繰り返し/定義レベルを count 個読む
func DecodeLevels(enc parquet.Encoding, cur *Cursor, count, bitWidth int, disableEnvelope bool) ([]int32, error) {
	values, err := Decode(enc, cur, count, Options{
		Type:            parquet.Type_INT32,
		BitWidth:        bitWidth,
		DisableEnvelope: disableEnvelope,
	})
	if err != nil {
		return nil, err
	}

	levels := make([]int32, len(values))
	for i, v := range values {
		levels[i] = v.Int32()
	}
	return levels, nil
}

func EncodeLevels(enc parquet.Encoding, levels []int32, bitWidth int, disableEnvelope bool) ([]byte, error) {
	values := make([]types.Value, len(levels))
	for i, l := range levels {
		values[i] = types.Int32Value(l)
	}

	return Encode(enc, values, Options{
		Type:            parquet.Type_INT32,
		BitWidth:        bitWidth,
		DisableEnvelope: disableEnvelope,
	})
}

// LSB から詰める
func pack(values []uint64, bitWidth int) []byte {
	out := make([]byte, (len(values)*bitWidth+7)/8)
	bit := 0
	for _, v := range values {
		for b := 0; b < bitWidth; b++ {
			if (v>>b)&1 == 1 {
				out[bit/8] |= 1 << (bit % 8)
			}
			bit++
		}
	}
	return out
}

func unpack(data []byte, n, bitWidth int) []uint64 {
	out := make([]uint64, n)
	bit := 0
	for i := range out {
		for b := 0; b < bitWidth; b++ {
			if (data[bit/8]>>(bit%8))&1 == 1 {
				out[i] |= 1 << b
			}
			bit++
		}
	}
	return out
}
