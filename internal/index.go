package internal

import (
	"context"
	"fmt"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
)

type (
	indexKind int

	indexKey struct {
		kind     indexKind
		rowGroup int
		path     string
	}

	// ページ1つ分の位置と統計。
	// OffsetIndex を持たない列チャンクは、チャンク全体を1ページとして表す
	PageInfo struct {
		RowGroup       int   `json:"row_group"`
		Page           int   `json:"page"`
		Offset         int64 `json:"offset"`
		CompressedSize int64 `json:"compressed_size"`
		FirstRow       int64 `json:"first_row"`
		RowCount       int64 `json:"row_count"`
		NullPage       bool  `json:"null_page,omitempty"`
		Min            any   `json:"min,omitempty"`
		Max            any   `json:"max,omitempty"`

		indexed bool
	}
)

const (
	offsetIndex indexKind = iota
	columnIndex
)

// 値の範囲を持つページかどうか
func (p *PageInfo) HasBounds() bool {
	return !p.NullPage && p.Min != nil && p.Max != nil
}

func (r *Reader) ReadOffsetIndex(ctx context.Context, rg int, path string) (*parquet.OffsetIndex, error) {
	raw, _, err := r.columnChunk(rg, path)
	if err != nil {
		return nil, err
	}
	if raw.OffsetIndexOffset == nil || raw.OffsetIndexLength == nil {
		return nil, fmt.Errorf("%w: offset index of %s in row group %d", ErrNotFound, path, rg)
	}

	key := indexKey{offsetIndex, rg, path}
	if v, ok := r.indexes.Get(key); ok {
		return v.(*parquet.OffsetIndex), nil
	}

	data, err := r.readAt(ctx, *raw.OffsetIndexOffset, int64(*raw.OffsetIndexLength))
	if err != nil {
		return nil, fmt.Errorf("failed to read offset index: %w", err)
	}
	return r.decodeOffsetIndex(ctx, key, data)
}

func (r *Reader) ReadColumnIndex(ctx context.Context, rg int, path string) (*parquet.ColumnIndex, error) {
	raw, _, err := r.columnChunk(rg, path)
	if err != nil {
		return nil, err
	}
	if raw.ColumnIndexOffset == nil || raw.ColumnIndexLength == nil {
		return nil, fmt.Errorf("%w: column index of %s in row group %d", ErrNotFound, path, rg)
	}

	key := indexKey{columnIndex, rg, path}
	if v, ok := r.indexes.Get(key); ok {
		return v.(*parquet.ColumnIndex), nil
	}

	data, err := r.readAt(ctx, *raw.ColumnIndexOffset, int64(*raw.ColumnIndexLength))
	if err != nil {
		return nil, fmt.Errorf("failed to read column index: %w", err)
	}
	return r.decodeColumnIndex(ctx, key, data)
}

func (r *Reader) decodeOffsetIndex(ctx context.Context, key indexKey, data []byte) (*parquet.OffsetIndex, error) {
	oi := parquet.NewOffsetIndex()
	if _, err := decodeThrift(ctx, data, oi); err != nil {
		return nil, fmt.Errorf("%w: failed to decode offset index of %s: %v", ErrInvalidFormat, key.path, err)
	}
	r.indexes.Add(key, oi)
	return oi, nil
}

func (r *Reader) decodeColumnIndex(ctx context.Context, key indexKey, data []byte) (*parquet.ColumnIndex, error) {
	ci := parquet.NewColumnIndex()
	if _, err := decodeThrift(ctx, data, ci); err != nil {
		return nil, fmt.Errorf("%w: failed to decode column index of %s: %v", ErrInvalidFormat, key.path, err)
	}
	if len(ci.MinValues) != len(ci.NullPages) || len(ci.MaxValues) != len(ci.NullPages) {
		return nil, fmt.Errorf("%w: column index of %s has inconsistent page counts", ErrInvalidFormat, key.path)
	}
	r.indexes.Add(key, ci)
	return ci, nil
}

// 全ての行グループに渡る列のインデックスを1回の読み込みで取得し、ページの一覧を返す
func (r *Reader) ReadIndex(ctx context.Context, path string) ([]PageInfo, error) {
	f := r.schema.Find(path)
	if f == nil || f.IsGroup() {
		return nil, fmt.Errorf("%w: column %s", ErrNotFound, path)
	}

	// インデックスが置かれている範囲
	lo, hi := int64(-1), int64(-1)
	span := func(offset *int64, length *int32) {
		if offset == nil || length == nil {
			return
		}
		if lo < 0 || *offset < lo {
			lo = *offset
		}
		if end := *offset + int64(*length); end > hi {
			hi = end
		}
	}
	for rg := range r.footer.RowGroups {
		raw, _, err := r.columnChunk(rg, path)
		if err != nil {
			return nil, err
		}
		span(raw.OffsetIndexOffset, raw.OffsetIndexLength)
		span(raw.ColumnIndexOffset, raw.ColumnIndexLength)
	}

	if lo >= 0 {
		data, err := r.readAt(ctx, lo, hi-lo)
		if err != nil {
			return nil, fmt.Errorf("failed to read indexes of %s: %w", path, err)
		}

		for rg := range r.footer.RowGroups {
			raw, _, _ := r.columnChunk(rg, path)
			if raw.OffsetIndexOffset != nil && raw.OffsetIndexLength != nil {
				start := *raw.OffsetIndexOffset - lo
				if _, err := r.decodeOffsetIndex(ctx, indexKey{offsetIndex, rg, path}, data[start:start+int64(*raw.OffsetIndexLength)]); err != nil {
					return nil, err
				}
			}
			if raw.ColumnIndexOffset != nil && raw.ColumnIndexLength != nil {
				start := *raw.ColumnIndexOffset - lo
				if _, err := r.decodeColumnIndex(ctx, indexKey{columnIndex, rg, path}, data[start:start+int64(*raw.ColumnIndexLength)]); err != nil {
					return nil, err
				}
			}
		}
	}

	var pages []PageInfo
	for rg := range r.footer.RowGroups {
		p, err := r.pages(ctx, rg, f)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p...)
	}
	return pages, nil
}

// 行グループ内の列のページ一覧
func (r *Reader) pages(ctx context.Context, rg int, f *schema.Field) ([]PageInfo, error) {
	raw, col, err := r.columnChunk(rg, f.Key())
	if err != nil {
		return nil, err
	}
	numRows := r.footer.RowGroups[rg].NumRows

	if raw.OffsetIndexOffset == nil {
		return []PageInfo{{
			RowGroup:       rg,
			Offset:         col.PageHeadOffset(),
			CompressedSize: col.TotalCompressedSize,
			RowCount:       numRows,
			Min:            col.Min,
			Max:            col.Max,
		}}, nil
	}

	oi, err := r.ReadOffsetIndex(ctx, rg, f.Key())
	if err != nil {
		return nil, err
	}

	var ci *parquet.ColumnIndex
	if raw.ColumnIndexOffset != nil {
		if ci, err = r.ReadColumnIndex(ctx, rg, f.Key()); err != nil {
			return nil, err
		}
		if len(ci.NullPages) != len(oi.PageLocations) {
			return nil, fmt.Errorf("%w: indexes of %s in row group %d disagree on page count", ErrInvalidFormat, f.Key(), rg)
		}
	}

	pages := make([]PageInfo, len(oi.PageLocations))
	for i, loc := range oi.PageLocations {
		next := numRows
		if i+1 < len(oi.PageLocations) {
			next = oi.PageLocations[i+1].FirstRowIndex
		}

		pages[i] = PageInfo{
			RowGroup:       rg,
			Page:           i,
			Offset:         loc.Offset,
			CompressedSize: int64(loc.CompressedPageSize),
			FirstRow:       loc.FirstRowIndex,
			RowCount:       next - loc.FirstRowIndex,
			indexed:        true,
		}

		if ci == nil {
			continue
		}
		if ci.NullPages[i] {
			pages[i].NullPage = true
			continue
		}

		// 統計値が壊れている場合は範囲を持たないページとして扱う
		lo, err := decodeStat(f, ci.MinValues[i])
		if err != nil {
			continue
		}
		hi, err := decodeStat(f, ci.MaxValues[i])
		if err != nil {
			continue
		}
		pages[i].Min, pages[i].Max = lo, hi
	}

	return pages, nil
}

// [from, to) の行を含むページだけを読んでデコードする。
// OffsetIndex が無ければ列チャンク全体を読む
func (r *Reader) readRows(ctx context.Context, rg int, f *schema.Field, from, to int64) (*shred.ColumnData, error) {
	raw, col, err := r.columnChunk(rg, f.Key())
	if err != nil {
		return nil, err
	}
	if raw.FilePath != nil {
		return nil, fmt.Errorf("%w: %s refers to %s", ErrExternalReference, f.Key(), *raw.FilePath)
	}

	pages, err := r.pages(ctx, rg, f)
	if err != nil {
		return nil, err
	}

	first, last := -1, -1
	for i, p := range pages {
		if p.FirstRow < to && p.FirstRow+p.RowCount > from {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return &shred.ColumnData{}, nil
	}

	base := pages[first].FirstRow
	head := pages[first].Offset
	tail := pages[last].Offset + pages[last].CompressedSize
	if !pages[first].indexed {
		head, tail = col.PageHeadOffset(), col.PageTailOffset()
	}

	data, err := r.readAt(ctx, head, tail-head)
	if err != nil {
		return nil, fmt.Errorf("failed to read pages of %s in row group %d: %w", f.Key(), rg, err)
	}

	decoded, err := r.decodePages(ctx, data, f, col.Codec)
	if err != nil {
		return nil, err
	}
	return decoded.Rows(int(from-base), int(to-base), f.DLevelMax), nil
}
