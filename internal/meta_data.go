package internal

import (
	"strings"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/types"
)

// Parquetファイルの構造を表すための一連の構造体
type (
	MetaData struct {
		Version   int32             `json:"version"`
		CreatedBy string            `json:"created_by,omitempty"`
		Schema    []*schema.Field   `json:"schema"`
		TotalRows int64             `json:"total_rows"`
		KeyValue  map[string]string `json:"key_value,omitempty"`
		RowGroups []*RowGroup       `json:"row_groups"`
	}

	RowGroup struct {
		NumRows       int64          `json:"num_rows"`
		TotalByteSize int64          `json:"total_byte_size"`
		Columns       []*ColumnChunk `json:"columns"`
	}

	ColumnChunk struct {
		Path                  string                   `json:"path"`
		Type                  parquet.Type             `json:"type"`
		Codec                 parquet.CompressionCodec `json:"codec,omitempty"`
		Encodings             []parquet.Encoding       `json:"encodings"`
		NumValues             int64                    `json:"num_values"`
		TotalUncompressedSize int64                    `json:"total_uncompressed_size"`
		TotalCompressedSize   int64                    `json:"total_compressed_size"`
		DataPageOffset        int64                    `json:"data_page_offset"`
		DictPageOffset        *int64                   `json:"dict_page_offset,omitempty"`
		HasOffsetIndex        bool                     `json:"has_offset_index"`
		HasColumnIndex        bool                     `json:"has_column_index"`
		Min                   any                      `json:"min,omitempty"`
		Max                   any                      `json:"max,omitempty"`
		NullCount             *int64                   `json:"null_count,omitempty"`
	}
)

// フッターを表示用の構造に変換する
func inspectFooter(footer *parquet.FileMetaData, s *schema.Schema) *MetaData {
	meta := &MetaData{
		Version:   footer.Version,
		CreatedBy: footer.GetCreatedBy(),
		Schema:    s.Fields,
		TotalRows: footer.NumRows,
		KeyValue:  keyValue(footer),
		RowGroups: make([]*RowGroup, len(footer.RowGroups)),
	}

	// 行グループ毎に変換
	for i, rg := range footer.RowGroups {
		meta.RowGroups[i] = &RowGroup{
			NumRows:       rg.NumRows,
			TotalByteSize: rg.TotalByteSize,
			Columns:       make([]*ColumnChunk, 0, len(rg.Columns)),
		}

		// 列チャンク毎に変換
		for _, col := range rg.Columns {
			if col.MetaData == nil {
				continue
			}
			md := col.MetaData

			cc := &ColumnChunk{
				Path:                  strings.Join(md.PathInSchema, "."),
				Type:                  md.Type,
				Codec:                 md.Codec,
				Encodings:             md.Encodings,
				NumValues:             md.NumValues,
				TotalUncompressedSize: md.TotalUncompressedSize,
				TotalCompressedSize:   md.TotalCompressedSize,
				DataPageOffset:        md.DataPageOffset,
				DictPageOffset:        md.DictionaryPageOffset,
				HasOffsetIndex:        col.OffsetIndexOffset != nil,
				HasColumnIndex:        col.ColumnIndexOffset != nil,
			}

			if f := s.Find(cc.Path); f != nil && md.Statistics != nil {
				cc.Min, cc.Max = chunkBounds(f, md.Statistics)
				cc.NullCount = md.Statistics.NullCount
			}

			meta.RowGroups[i].Columns = append(meta.RowGroups[i].Columns, cc)
		}
	}

	return meta
}

func keyValue(footer *parquet.FileMetaData) map[string]string {
	kv := make(map[string]string, len(footer.KeyValueMetadata))
	for _, e := range footer.KeyValueMetadata {
		kv[e.Key] = e.GetValue()
	}
	return kv
}

// 列チャンク統計の最小値と最大値。新しい min_value/max_value を優先する
func chunkBounds(f *schema.Field, stats *parquet.Statistics) (any, any) {
	minRaw, maxRaw := stats.MinValue, stats.MaxValue
	if minRaw == nil || maxRaw == nil {
		minRaw, maxRaw = stats.Min, stats.Max
	}
	if minRaw == nil || maxRaw == nil {
		return nil, nil
	}

	lo, err := decodeStat(f, minRaw)
	if err != nil {
		return nil, nil
	}
	hi, err := decodeStat(f, maxRaw)
	if err != nil {
		return nil, nil
	}
	return lo, hi
}

func decodeStat(f *schema.Field, b []byte) (any, error) {
	v, err := types.ParseStat(f.Type.Physical, b)
	if err != nil {
		return nil, err
	}
	return types.FromPrimitive(f.Type, v)
}

// 列の名前を指定して列チャンクを取得
func (s *MetaData) FindColumnChunk(path string) []*ColumnChunk {
	columns := make([]*ColumnChunk, 0)

	for _, row := range s.RowGroups {
		for _, col := range row.Columns {
			if col.Path == path {
				columns = append(columns, col)
			}
		}
	}

	return columns
}

func (col *ColumnChunk) HasDict() bool {
	return col.DictPageOffset != nil
}

func (col *ColumnChunk) PageHeadOffset() int64 {
	if col.HasDict() && *col.DictPageOffset < col.DataPageOffset {
		return *col.DictPageOffset
	}
	return col.DataPageOffset
}

func (col *ColumnChunk) PageTailOffset() int64 {
	return col.PageHeadOffset() + col.TotalCompressedSize
}
