package internal

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/compress"
	"github.com/murakmii/dremel/internal/encoding"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/types"
)

// 列チャンクのバイト列を先頭からページ毎にデコードし、1つの列データにまとめる。
// ページ数はヘッダーを信用せず、バイト列を読み切るまで続ける
func decodeColumnChunk(ctx context.Context, data []byte, f *schema.Field, codec parquet.CompressionCodec) (*shred.ColumnData, int, error) {
	out := &shred.ColumnData{}
	pages := 0

	for offset := 0; offset < len(data); {
		header := parquet.NewPageHeader()
		n, err := decodeThrift(ctx, data[offset:], header)
		if err != nil {
			return nil, pages, fmt.Errorf("%w: failed to read page header at %d: %v", ErrInvalidFormat, offset, err)
		}
		offset += n

		size := int(header.CompressedPageSize)
		if size < 0 || offset+size > len(data) {
			return nil, pages, fmt.Errorf("%w: page of %d bytes at %d overruns column chunk", ErrInvalidFormat, size, offset)
		}
		body := data[offset : offset+size]
		offset += size

		switch header.Type {
		case parquet.PageType_DATA_PAGE:
			err = decodeDataPage(header, body, f, codec, out)
		case parquet.PageType_DATA_PAGE_V2:
			err = decodeDataPageV2(header, body, f, codec, out)
		default:
			err = fmt.Errorf("%w: %s", ErrUnsupportedPageType, header.Type)
		}
		if err != nil {
			return nil, pages, fmt.Errorf("failed to decode page %d of %s: %w", pages, f.Key(), err)
		}

		pages++
	}

	return out, pages, nil
}

// DATA_PAGE はページ全体が1つの単位で圧縮されている
func decodeDataPage(header *parquet.PageHeader, body []byte, f *schema.Field, codec parquet.CompressionCodec, out *shred.ColumnData) error {
	dph := header.DataPageHeader
	if dph == nil {
		return fmt.Errorf("%w: DATA_PAGE without data page header", ErrInvalidFormat)
	}

	raw, err := compress.Decompress(codec, body, int(header.UncompressedPageSize))
	if err != nil {
		return err
	}

	if dph.NumValues < 0 {
		return fmt.Errorf("%w: negative value count %d", ErrInvalidFormat, dph.NumValues)
	}

	cur := encoding.NewCursor(raw)
	n := int(dph.NumValues)

	rLevels, err := readLevels(dph.RepetitionLevelEncoding, cur, n, f.RLevelMax, false)
	if err != nil {
		return fmt.Errorf("failed to read repetition levels: %w", err)
	}
	dLevels, err := readLevels(dph.DefinitionLevelEncoding, cur, n, f.DLevelMax, false)
	if err != nil {
		return fmt.Errorf("failed to read definition levels: %w", err)
	}

	values, err := encoding.Decode(dph.Encoding, cur, definedCount(dLevels, n, f.DLevelMax), valueOptions(f))
	if err != nil {
		return err
	}

	appendPage(out, n, rLevels, dLevels, values)
	return nil
}

// DATA_PAGE_V2 のレベルは常に長さを前置しない RLE で、圧縮もされない。
// 圧縮されうるのは値の部分だけ
func decodeDataPageV2(header *parquet.PageHeader, body []byte, f *schema.Field, codec parquet.CompressionCodec, out *shred.ColumnData) error {
	v2 := header.DataPageHeaderV2
	if v2 == nil {
		return fmt.Errorf("%w: DATA_PAGE_V2 without data page header", ErrInvalidFormat)
	}

	rLen, dLen := int(v2.RepetitionLevelsByteLength), int(v2.DefinitionLevelsByteLength)
	if rLen < 0 || dLen < 0 || rLen+dLen > len(body) {
		return fmt.Errorf("%w: level sections (%d+%d bytes) overrun page of %d bytes", ErrInvalidFormat, rLen, dLen, len(body))
	}

	if v2.NumValues < 0 || v2.NumNulls < 0 || v2.NumNulls > v2.NumValues {
		return fmt.Errorf("%w: invalid value counts (values=%d, nulls=%d)", ErrInvalidFormat, v2.NumValues, v2.NumNulls)
	}

	n := int(v2.NumValues)
	rLevels, err := readLevels(parquet.Encoding_RLE, encoding.NewCursor(body[:rLen]), n, f.RLevelMax, true)
	if err != nil {
		return fmt.Errorf("failed to read repetition levels: %w", err)
	}
	dLevels, err := readLevels(parquet.Encoding_RLE, encoding.NewCursor(body[rLen:rLen+dLen]), n, f.DLevelMax, true)
	if err != nil {
		return fmt.Errorf("failed to read definition levels: %w", err)
	}

	defined := int(v2.NumValues - v2.NumNulls)
	if d := definedCount(dLevels, n, f.DLevelMax); d != defined {
		return fmt.Errorf("%w: definition levels hold %d values, header says %d", ErrInvalidFormat, d, defined)
	}

	raw := body[rLen+dLen:]
	if v2.GetIsCompressed() && codec != parquet.CompressionCodec_UNCOMPRESSED {
		if raw, err = compress.Decompress(codec, raw, int(header.UncompressedPageSize)-rLen-dLen); err != nil {
			return err
		}
	}

	values, err := encoding.Decode(v2.Encoding, encoding.NewCursor(raw), defined, valueOptions(f))
	if err != nil {
		return err
	}

	appendPage(out, n, rLevels, dLevels, values)
	return nil
}

// 最大レベルが0の列はレベルを持たない。nil を返し、appendPage で0を補う
func readLevels(enc parquet.Encoding, cur *encoding.Cursor, n, maxLevel int, disableEnvelope bool) ([]int32, error) {
	if maxLevel == 0 {
		return nil, nil
	}
	return encoding.DecodeLevels(enc, cur, n, levelBitWidth(maxLevel), disableEnvelope)
}

func levelBitWidth(maxLevel int) int {
	return bits.Len(uint(maxLevel))
}

func valueOptions(f *schema.Field) encoding.Options {
	return encoding.Options{
		Type:       f.Type.Physical,
		TypeLength: int(f.Type.Length),
		BitWidth:   bitWidthOf(f.Type.Physical),
	}
}

// RLE で値を書く場合のビット幅
func bitWidthOf(t parquet.Type) int {
	if t == parquet.Type_BOOLEAN {
		return 1
	}
	return 32
}

// 値を持つ位置の数。定義レベルを持たない列では全ての位置が値を持つ
func definedCount(dLevels []int32, n, maxLevel int) int {
	if maxLevel == 0 {
		return n
	}

	defined := 0
	for _, d := range dLevels {
		if int(d) == maxLevel {
			defined++
		}
	}
	return defined
}

func appendPage(out *shred.ColumnData, n int, rLevels, dLevels []int32, values []types.Value) {
	out.RLevels = appendLevels(out.RLevels, rLevels, n)
	out.DLevels = appendLevels(out.DLevels, dLevels, n)
	out.Values = append(out.Values, values...)
	out.Count += n
}

func appendLevels(dst, levels []int32, n int) []int32 {
	if levels == nil {
		return append(dst, make([]int32, n)...)
	}
	return append(dst, levels...)
}
