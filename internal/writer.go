package internal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/murakmii/dremel/internal/compress"
	"github.com/murakmii/dremel/internal/encoding"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/types"
)

const (
	defaultRowGroupSize = 4096
	defaultPageSize     = 1024
	createdBy           = "dremel"
)

var ErrWriterClosed = errors.New("writer is closed")

type (
	// レコードを受け取り、行グループ単位でファイルに書き出す
	Writer struct {
		w      io.Writer
		offset int64
		schema *schema.Schema
		buf    *shred.Buffer

		rowGroupSize int
		pageSize     int
		codec        parquet.CompressionCodec
		dataPageV2   bool
		encodings    map[string]parquet.Encoding
		keyValue     map[string]string
		logger       log.Logger

		rowGroups []*parquet.RowGroup
		indexes   [][]chunkIndex
		numRows   int64
		closed    bool
	}

	WriterOption func(*Writer)

	// フッターより前にまとめて書き出す列チャンク毎のインデックス
	chunkIndex struct {
		column *parquet.ColumnIndex
		offset *parquet.OffsetIndex
	}

	// 列データを行の境界で区切った1ページ分の範囲
	pageRange struct {
		start, end   int
		vStart, vEnd int
		firstRow     int
		rows         int
	}
)

// 1つの行グループに入れる行数
func WithRowGroupSize(n int) WriterOption {
	return func(w *Writer) { w.rowGroupSize = n }
}

// 1つのページに入れる行数
func WithPageSize(n int) WriterOption {
	return func(w *Writer) { w.pageSize = n }
}

func WithCodec(codec parquet.CompressionCodec) WriterOption {
	return func(w *Writer) { w.codec = codec }
}

func WithDataPageV2() WriterOption {
	return func(w *Writer) { w.dataPageV2 = true }
}

// 列の値のエンコーディング。指定が無ければ PLAIN
func WithColumnEncoding(path string, enc parquet.Encoding) WriterOption {
	return func(w *Writer) { w.encodings[path] = enc }
}

func WithKeyValue(key, value string) WriterOption {
	return func(w *Writer) { w.keyValue[key] = value }
}

func WithWriterLogger(logger log.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// 先頭のマジックナンバーを書いて Writer を作る
func NewWriter(w io.Writer, s *schema.Schema, opts ...WriterOption) (*Writer, error) {
	wr := &Writer{
		w:            w,
		schema:       s,
		buf:          shred.NewBuffer(s),
		rowGroupSize: defaultRowGroupSize,
		pageSize:     defaultPageSize,
		codec:        parquet.CompressionCodec_UNCOMPRESSED,
		encodings:    make(map[string]parquet.Encoding),
		keyValue:     make(map[string]string),
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(wr)
	}
	wr.rowGroupSize = max(wr.rowGroupSize, 1)
	wr.pageSize = max(wr.pageSize, 1)

	for path := range wr.encodings {
		if f := s.Find(path); f == nil || f.IsGroup() {
			return nil, fmt.Errorf("%w: column %s", ErrNotFound, path)
		}
	}

	if err := wr.write([]byte(magic)); err != nil {
		return nil, err
	}
	return wr, nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// レコードを1行追加する。失敗した場合、それまでに追加した行はそのまま残る
func (w *Writer) Append(rec shred.Record) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := shred.Shred(w.schema, rec, w.buf); err != nil {
		return err
	}
	if w.buf.RowCount >= w.rowGroupSize {
		return w.Flush()
	}
	return nil
}

// バッファにある行を行グループとして書き出す
func (w *Writer) Flush() error {
	if w.buf.RowCount == 0 {
		return nil
	}

	ctx := context.Background()
	rg := &parquet.RowGroup{NumRows: int64(w.buf.RowCount)}
	indexes := make([]chunkIndex, 0, len(w.schema.Leaves()))

	for _, f := range w.schema.Leaves() {
		chunk, index, err := w.writeColumnChunk(ctx, f, w.buf.Columns[f.Key()])
		if err != nil {
			return fmt.Errorf("failed to write column %s: %w", f.Key(), err)
		}
		rg.Columns = append(rg.Columns, chunk)
		rg.TotalByteSize += chunk.MetaData.TotalUncompressedSize
		indexes = append(indexes, index)
	}

	w.rowGroups = append(w.rowGroups, rg)
	w.indexes = append(w.indexes, indexes)
	w.numRows += rg.NumRows

	level.Debug(w.logger).Log("msg", "flushed row group", "row_group", len(w.rowGroups)-1, "rows", rg.NumRows, "bytes", rg.TotalByteSize)

	w.buf = shred.NewBuffer(w.schema)
	return nil
}

func (w *Writer) encoding(f *schema.Field) parquet.Encoding {
	if enc, ok := w.encodings[f.Key()]; ok {
		return enc
	}
	return parquet.Encoding_PLAIN
}

func (w *Writer) writeColumnChunk(ctx context.Context, f *schema.Field, data *shred.ColumnData) (*parquet.ColumnChunk, chunkIndex, error) {
	enc := w.encoding(f)

	md := parquet.NewColumnMetaData()
	md.Type = f.Type.Physical
	md.Encodings = []parquet.Encoding{enc}
	if enc != parquet.Encoding_RLE {
		md.Encodings = append(md.Encodings, parquet.Encoding_RLE)
	}
	md.PathInSchema = slices.Clone(f.Path)
	md.Codec = w.codec
	md.NumValues = int64(data.Count)
	md.DataPageOffset = w.offset

	index := chunkIndex{
		column: &parquet.ColumnIndex{BoundaryOrder: parquet.BoundaryOrder_UNORDERED},
		offset: &parquet.OffsetIndex{},
	}

	var chunkMin, chunkMax *types.Value
	nulls := int64(0)

	for _, pr := range splitPages(data, f.DLevelMax, w.pageSize) {
		page := &shred.ColumnData{
			RLevels: data.RLevels[pr.start:pr.end],
			DLevels: data.DLevels[pr.start:pr.end],
			Values:  data.Values[pr.vStart:pr.vEnd],
			Count:   pr.end - pr.start,
		}

		pageMin, pageMax := bounds(f.Type, page.Values)
		stats := statistics(pageMin, pageMax, int64(page.Count-len(page.Values)))

		header, body, err := w.encodePage(f, enc, page, pr.rows, stats)
		if err != nil {
			return nil, index, err
		}
		headerBytes, err := encodeThrift(ctx, header)
		if err != nil {
			return nil, index, err
		}

		index.offset.PageLocations = append(index.offset.PageLocations, &parquet.PageLocation{
			Offset:             w.offset,
			CompressedPageSize: int32(len(headerBytes) + len(body)),
			FirstRowIndex:      int64(pr.firstRow),
		})
		index.column.NullPages = append(index.column.NullPages, pageMin == nil)
		if pageMin == nil {
			index.column.MinValues = append(index.column.MinValues, []byte{})
			index.column.MaxValues = append(index.column.MaxValues, []byte{})
		} else {
			index.column.MinValues = append(index.column.MinValues, types.StatBytes(*pageMin))
			index.column.MaxValues = append(index.column.MaxValues, types.StatBytes(*pageMax))
		}

		if err := w.write(headerBytes); err != nil {
			return nil, index, err
		}
		if err := w.write(body); err != nil {
			return nil, index, err
		}

		md.TotalCompressedSize += int64(len(headerBytes) + len(body))
		md.TotalUncompressedSize += int64(len(headerBytes)) + int64(header.UncompressedPageSize)

		if pageMin != nil {
			if chunkMin == nil || types.CompareValues(f.Type, *pageMin, *chunkMin) < 0 {
				chunkMin = pageMin
			}
			if chunkMax == nil || types.CompareValues(f.Type, *pageMax, *chunkMax) > 0 {
				chunkMax = pageMax
			}
		}
		nulls += int64(page.Count - len(page.Values))
	}

	md.Statistics = statistics(chunkMin, chunkMax, nulls)

	chunk := parquet.NewColumnChunk()
	chunk.FileOffset = md.DataPageOffset
	chunk.MetaData = md
	return chunk, index, nil
}

// 1ページ分のヘッダーと本体を作る
func (w *Writer) encodePage(f *schema.Field, enc parquet.Encoding, page *shred.ColumnData, rows int, stats *parquet.Statistics) (*parquet.PageHeader, []byte, error) {
	rLevels, err := writeLevels(page.RLevels, f.RLevelMax, w.dataPageV2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode repetition levels: %w", err)
	}
	dLevels, err := writeLevels(page.DLevels, f.DLevelMax, w.dataPageV2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode definition levels: %w", err)
	}
	values, err := encoding.Encode(enc, page.Values, valueOptions(f))
	if err != nil {
		return nil, nil, err
	}

	header := parquet.NewPageHeader()
	header.UncompressedPageSize = int32(len(rLevels) + len(dLevels) + len(values))

	if !w.dataPageV2 {
		body, err := compress.Compress(w.codec, slices.Concat(rLevels, dLevels, values))
		if err != nil {
			return nil, nil, err
		}

		header.Type = parquet.PageType_DATA_PAGE
		header.CompressedPageSize = int32(len(body))
		header.DataPageHeader = &parquet.DataPageHeader{
			NumValues:               int32(page.Count),
			Encoding:                enc,
			DefinitionLevelEncoding: parquet.Encoding_RLE,
			RepetitionLevelEncoding: parquet.Encoding_RLE,
			Statistics:              stats,
		}
		return header, body, nil
	}

	// V2 ではレベルを圧縮しない
	compressed, err := compress.Compress(w.codec, values)
	if err != nil {
		return nil, nil, err
	}
	body := slices.Concat(rLevels, dLevels, compressed)

	v2 := parquet.NewDataPageHeaderV2()
	v2.NumValues = int32(page.Count)
	v2.NumNulls = int32(page.Count - len(page.Values))
	v2.NumRows = int32(rows)
	v2.Encoding = enc
	v2.RepetitionLevelsByteLength = int32(len(rLevels))
	v2.DefinitionLevelsByteLength = int32(len(dLevels))
	v2.IsCompressed = w.codec != parquet.CompressionCodec_UNCOMPRESSED
	v2.Statistics = stats

	header.Type = parquet.PageType_DATA_PAGE_V2
	header.CompressedPageSize = int32(len(body))
	header.DataPageHeaderV2 = v2
	return header, body, nil
}

// 最大レベルが0ならレベルは書かない
func writeLevels(levels []int32, maxLevel int, disableEnvelope bool) ([]byte, error) {
	if maxLevel == 0 {
		return nil, nil
	}
	return encoding.EncodeLevels(parquet.Encoding_RLE, levels, levelBitWidth(maxLevel), disableEnvelope)
}

// 行の境界で pageSize 行毎に区切る
func splitPages(data *shred.ColumnData, dLevelMax, pageSize int) []pageRange {
	var pages []pageRange
	cur := pageRange{}
	row := 0
	vi := 0

	for i := 0; i < data.Count; i++ {
		if data.RLevels[i] == 0 {
			if cur.rows == pageSize {
				cur.end, cur.vEnd = i, vi
				pages = append(pages, cur)
				cur = pageRange{start: i, vStart: vi, firstRow: row}
			}
			cur.rows++
			row++
		}
		if int(data.DLevels[i]) == dLevelMax {
			vi++
		}
	}

	if cur.rows > 0 {
		cur.end, cur.vEnd = data.Count, vi
		pages = append(pages, cur)
	}
	return pages
}

func bounds(t *types.Type, values []types.Value) (*types.Value, *types.Value) {
	if len(values) == 0 {
		return nil, nil
	}
	lo, hi := &values[0], &values[0]
	for i := range values[1:] {
		v := &values[i+1]
		if types.CompareValues(t, *v, *lo) < 0 {
			lo = v
		}
		if types.CompareValues(t, *v, *hi) > 0 {
			hi = v
		}
	}
	return lo, hi
}

func statistics(lo, hi *types.Value, nulls int64) *parquet.Statistics {
	stats := parquet.NewStatistics()
	stats.NullCount = &nulls
	if lo != nil {
		stats.MinValue = types.StatBytes(*lo)
		stats.MaxValue = types.StatBytes(*hi)
	}
	return stats
}

// 残りの行、インデックス、フッターを書き出す。io.Writer は閉じない
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.Flush(); err != nil {
		return err
	}
	w.closed = true

	ctx := context.Background()

	// ColumnIndex を全て書いてから OffsetIndex を書く
	for i, rg := range w.rowGroups {
		for j, col := range rg.Columns {
			b, err := encodeThrift(ctx, w.indexes[i][j].column)
			if err != nil {
				return err
			}
			offset, length := w.offset, int32(len(b))
			col.ColumnIndexOffset, col.ColumnIndexLength = &offset, &length
			if err := w.write(b); err != nil {
				return err
			}
		}
	}
	for i, rg := range w.rowGroups {
		for j, col := range rg.Columns {
			b, err := encodeThrift(ctx, w.indexes[i][j].offset)
			if err != nil {
				return err
			}
			offset, length := w.offset, int32(len(b))
			col.OffsetIndexOffset, col.OffsetIndexLength = &offset, &length
			if err := w.write(b); err != nil {
				return err
			}
		}
	}

	footer := parquet.NewFileMetaData()
	footer.Version = supportedVersion
	footer.Schema = w.schema.Elements()
	footer.NumRows = w.numRows
	footer.RowGroups = w.rowGroups
	if w.rowGroups == nil {
		footer.RowGroups = []*parquet.RowGroup{}
	}
	cb := createdBy
	footer.CreatedBy = &cb

	keys := make([]string, 0, len(w.keyValue))
	for k := range w.keyValue {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := w.keyValue[k]
		footer.KeyValueMetadata = append(footer.KeyValueMetadata, &parquet.KeyValue{Key: k, Value: &v})
	}

	b, err := encodeThrift(ctx, footer)
	if err != nil {
		return err
	}
	if err := w.write(b); err != nil {
		return err
	}

	trailer := binary.LittleEndian.AppendUint32(nil, uint32(len(b)))
	return w.write(append(trailer, magic...))
}
