package encoding

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

const (
	deltaBlockSize  = 128
	deltaMiniBlocks = 4

	maxDeltaBlockSize = 1 << 16
)

type deltaCodec struct{}

func (deltaCodec) Decode(cur *Cursor, count int, opts Options) ([]types.Value, error) {
	if opts.Type != parquet.Type_INT32 && opts.Type != parquet.Type_INT64 {
		return nil, fmt.Errorf("DELTA_BINARY_PACKED does not support type %s", opts.Type)
	}

	blockSize, err := cur.Uvarint()
	if err != nil {
		return nil, err
	}
	miniBlocks, err := cur.Uvarint()
	if err != nil {
		return nil, err
	}
	total, err := cur.Uvarint()
	if err != nil {
		return nil, err
	}
	first, err := cur.Varint()
	if err != nil {
		return nil, err
	}

	if miniBlocks == 0 || blockSize > maxDeltaBlockSize || blockSize%miniBlocks != 0 || (blockSize/miniBlocks)%8 != 0 {
		return nil, fmt.Errorf("invalid delta block layout: block=%d, miniblocks=%d", blockSize, miniBlocks)
	}
	if total < uint64(count) {
		return nil, fmt.Errorf("delta header holds %d values, want %d", total, count)
	}

	// ページの値の後には何も続かないので、必要な count 個で読むのを止める
	total = uint64(count)

	perMini := int(blockSize / miniBlocks)
	raw := make([]int64, 0, cur.capacity(count, 8)+1)
	if total > 0 {
		raw = append(raw, first)
	}

	last := first
	for uint64(len(raw)) < total {
		minDelta, err := cur.Varint()
		if err != nil {
			return nil, err
		}
		widths, err := cur.Next(int(miniBlocks))
		if err != nil {
			return nil, err
		}

		// 値が尽きた後のミニブロックはビット幅だけ書かれ本体を持たない
		for m := 0; m < int(miniBlocks) && uint64(len(raw)) < total; m++ {
			width := int(widths[m])
			b, err := cur.Next(perMini * width / 8)
			if err != nil {
				return nil, err
			}

			for _, d := range unpack(b, min(perMini, int(total)-len(raw)), width) {
				if uint64(len(raw)) >= total {
					break
				}
				last = int64(uint64(last) + uint64(minDelta) + d)
				raw = append(raw, last)
			}
		}
	}

	values := make([]types.Value, count)
	for i := range values {
		if opts.Type == parquet.Type_INT32 {
			values[i] = types.Int32Value(int32(raw[i]))
		} else {
			values[i] = types.Int64Value(raw[i])
		}
	}
	return values, nil
}

func (deltaCodec) Encode(values []types.Value, opts Options) ([]byte, error) {
	if opts.Type != parquet.Type_INT32 && opts.Type != parquet.Type_INT64 {
		return nil, fmt.Errorf("DELTA_BINARY_PACKED does not support type %s", opts.Type)
	}

	raw := make([]int64, len(values))
	for i, v := range values {
		if opts.Type == parquet.Type_INT32 {
			raw[i] = int64(v.Int32())
		} else {
			raw[i] = v.Int64()
		}
	}

	var first int64
	if len(raw) > 0 {
		first = raw[0]
	}

	out := binary.AppendUvarint(nil, deltaBlockSize)
	out = binary.AppendUvarint(out, deltaMiniBlocks)
	out = binary.AppendUvarint(out, uint64(len(raw)))
	out = binary.AppendVarint(out, first)

	perMini := deltaBlockSize / deltaMiniBlocks
	for start := 1; start < len(raw); start += deltaBlockSize {
		end := min(start+deltaBlockSize, len(raw))

		deltas := make([]int64, end-start)
		for i := range deltas {
			deltas[i] = int64(uint64(raw[start+i]) - uint64(raw[start+i-1]))
		}

		minDelta := deltas[0]
		for _, d := range deltas[1:] {
			minDelta = min(minDelta, d)
		}

		out = binary.AppendVarint(out, minDelta)
		widthAt := len(out)
		out = append(out, make([]byte, deltaMiniBlocks)...)

		for m := 0; m < deltaMiniBlocks; m++ {
			lo := m * perMini
			if lo >= len(deltas) {
				break
			}
			hi := min(lo+perMini, len(deltas))

			mini := make([]uint64, perMini)
			width := 0
			for i := lo; i < hi; i++ {
				mini[i-lo] = uint64(deltas[i]) - uint64(minDelta)
				width = max(width, bits.Len64(mini[i-lo]))
			}

			out[widthAt+m] = byte(width)
			out = append(out, pack(mini, width)...)
		}
	}

	return out, nil
}
