package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

// 連長圧縮とビットパッキングのハイブリッド
type rleCodec struct{}

// 8個以上続く値はランとして書き出す
const minRunLength = 8

func rleBitWidth(opts Options) int {
	if opts.Type == parquet.Type_BOOLEAN {
		return 1
	}
	return opts.BitWidth
}

func (rleCodec) Decode(cur *Cursor, count int, opts Options) ([]types.Value, error) {
	if opts.Type != parquet.Type_INT32 && opts.Type != parquet.Type_BOOLEAN {
		return nil, fmt.Errorf("RLE does not support type %s", opts.Type)
	}

	// 長さが前置されている場合、その範囲だけを読み、範囲全体を読み飛ばす
	src := cur
	if !opts.DisableEnvelope {
		size, err := cur.Uint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read RLE length: %w", err)
		}
		body, err := cur.Next(int(size))
		if err != nil {
			return nil, fmt.Errorf("failed to read RLE body: %w", err)
		}
		src = NewCursor(body)
	}

	raw, err := decodeHybrid(src, count, rleBitWidth(opts))
	if err != nil {
		return nil, err
	}

	values := make([]types.Value, len(raw))
	for i, v := range raw {
		if opts.Type == parquet.Type_BOOLEAN {
			values[i] = types.BooleanValue(v == 1)
		} else {
			values[i] = types.Int32Value(int32(v))
		}
	}
	return values, nil
}

func (rleCodec) Encode(values []types.Value, opts Options) ([]byte, error) {
	if opts.Type != parquet.Type_INT32 && opts.Type != parquet.Type_BOOLEAN {
		return nil, fmt.Errorf("RLE does not support type %s", opts.Type)
	}

	raw := make([]uint64, len(values))
	for i, v := range values {
		if opts.Type == parquet.Type_BOOLEAN {
			if v.Boolean() {
				raw[i] = 1
			}
		} else {
			raw[i] = uint64(uint32(v.Int32()))
		}
	}

	body := encodeHybrid(raw, rleBitWidth(opts))
	if opts.DisableEnvelope {
		return body, nil
	}
	return append(binary.LittleEndian.AppendUint32(nil, uint32(len(body))), body...), nil
}

func decodeHybrid(cur *Cursor, count, bitWidth int) ([]uint64, error) {
	out := make([]uint64, 0, cur.capacity(count, 8))
	byteWidth := (bitWidth + 7) / 8

	for len(out) < count {
		header, err := cur.Uvarint()
		if err != nil {
			return nil, err
		}

		run := header >> 1
		if run == 0 {
			return nil, fmt.Errorf("empty RLE run at offset %d", cur.Offset())
		}
		rest := count - len(out)

		// 最下位ビットが立っていればビットパッキングされた8個単位のグループ群
		if header&1 == 1 {
			if run > uint64(cur.Len()) {
				return nil, fmt.Errorf("bit-packed run of %d groups overruns %d bytes at offset %d", run, cur.Len(), cur.Offset())
			}
			groups := int(run)

			b, err := cur.Next(groups * bitWidth)
			if err != nil {
				return nil, err
			}
			out = append(out, unpack(b, min(groups*8, rest), bitWidth)...)
			continue
		}

		n := int(min(run, uint64(rest)))

		b, err := cur.Next(byteWidth)
		if err != nil {
			return nil, err
		}

		var v uint64
		for i := 0; i < byteWidth; i++ {
			v |= uint64(b[i]) << (i * 8)
		}
		for i := 0; i < n; i++ {
			out = append(out, v)
		}
	}

	return out, nil
}

func encodeHybrid(values []uint64, bitWidth int) []byte {
	var out []byte
	byteWidth := (bitWidth + 7) / 8

	for i := 0; i < len(values); {
		if run := runLength(values, i); run >= minRunLength {
			out = binary.AppendUvarint(out, uint64(run)<<1)
			for b := 0; b < byteWidth; b++ {
				out = append(out, byte(values[i]>>(b*8)))
			}
			i += run
			continue
		}

		// ランが始まるグループ境界まで8個単位でビットパッキングする
		start := i
		for {
			i += 8
			if i >= len(values) || runLength(values, i) >= minRunLength {
				break
			}
		}
		if i > len(values) {
			i = len(values)
		}

		groups := (i - start + 7) / 8
		literal := make([]uint64, groups*8)
		copy(literal, values[start:i])

		out = binary.AppendUvarint(out, uint64(groups)<<1|1)
		out = append(out, pack(literal, bitWidth)...)
	}

	return out
}

func runLength(values []uint64, i int) int {
	n := 1
	for i+n < len(values) && values[i+n] == values[i] {
		n++
	}
	return n
}

// 非推奨の BIT_PACKED。長さを前置せず MSB から詰める
type bitPackedCodec struct{}

func (bitPackedCodec) Decode(cur *Cursor, count int, opts Options) ([]types.Value, error) {
	if opts.Type != parquet.Type_INT32 {
		return nil, fmt.Errorf("BIT_PACKED does not support type %s", opts.Type)
	}

	b, err := cur.Next((count*opts.BitWidth + 7) / 8)
	if err != nil {
		return nil, err
	}

	values := make([]types.Value, count)
	bit := 0
	for i := range values {
		var v uint32
		for j := 0; j < opts.BitWidth; j++ {
			v = v<<1 | uint32(b[bit/8]>>(7-bit%8))&1
			bit++
		}
		values[i] = types.Int32Value(int32(v))
	}
	return values, nil
}

func (bitPackedCodec) Encode(values []types.Value, opts Options) ([]byte, error) {
	if opts.Type != parquet.Type_INT32 {
		return nil, fmt.Errorf("BIT_PACKED does not support type %s", opts.Type)
	}

	out := make([]byte, (len(values)*opts.BitWidth+7)/8)
	bit := 0
	for _, v := range values {
		for j := opts.BitWidth - 1; j >= 0; j-- {
			if (uint32(v.Int32())>>j)&1 == 1 {
				out[bit/8] |= 1 << (7 - bit%8)
			}
			bit++
		}
	}
	return out, nil
}
