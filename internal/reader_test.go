package internal

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/encoding"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Cursor(t *testing.T) {
	data := writeFile(t, fruitSchema(t), fruits(), WithKeyValue("origin", "market"))
	r := openFile(t, data)

	assert.Equal(t, int64(2), r.RowCount())
	assert.Equal(t, 1, r.NumRowGroups())
	assert.Equal(t, map[string]string{"origin": "market"}, r.Metadata())
	assert.Equal(t, []string{"name", "quantity"}, []string{r.Schema().Leaves()[0].Key(), r.Schema().Leaves()[1].Key()})

	cursor, err := r.Cursor()
	require.NoError(t, err)

	ctx := context.Background()
	for _, want := range fruits() {
		rec, err := cursor.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, rec)
	}
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	cursor.Rewind()
	rec, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, fruits()[0], rec)
}

func TestReader_RoundTrip(t *testing.T) {
	codecs := []parquet.CompressionCodec{
		parquet.CompressionCodec_UNCOMPRESSED,
		parquet.CompressionCodec_SNAPPY,
		parquet.CompressionCodec_GZIP,
		parquet.CompressionCodec_ZSTD,
		parquet.CompressionCodec_LZ4,
		parquet.CompressionCodec_BROTLI,
	}

	records := orders(50)
	for _, codec := range codecs {
		for _, v2 := range []bool{false, true} {
			name := codec.String()
			opts := []WriterOption{WithCodec(codec), WithRowGroupSize(16), WithPageSize(5)}
			if v2 {
				name += "/v2"
				opts = append(opts, WithDataPageV2())
			}

			t.Run(name, func(t *testing.T) {
				r := openFile(t, writeFile(t, orderSchema(t), records, opts...))
				assert.Equal(t, 4, r.NumRowGroups())
				assert.Equal(t, records, readAll(t, r))
			})
		}
	}
}

func TestReader_ColumnEncodings(t *testing.T) {
	records := orders(30)
	data := writeFile(t, orderSchema(t), records,
		WithColumnEncoding("id", parquet.Encoding_DELTA_BINARY_PACKED),
		WithColumnEncoding("paid", parquet.Encoding_RLE),
		WithPageSize(7),
	)

	r := openFile(t, data)
	assert.Equal(t, records, readAll(t, r))
	assert.Contains(t, r.MetaData().RowGroups[0].Columns[0].Encodings, parquet.Encoding_DELTA_BINARY_PACKED)
}

func TestReader_ColumnSelection(t *testing.T) {
	r := openFile(t, writeFile(t, orderSchema(t), orders(6)))

	records := readAll(t, r, "items")
	require.Len(t, records, 6)
	assert.Equal(t, shred.Record{}, records[0])
	assert.Equal(t, shred.Record{"items": []any{shred.Record{"sku": "B", "price": 1.5}}}, records[1])

	records = readAll(t, r, "items.sku", "id")
	assert.Equal(t, shred.Record{"id": int64(2), "items": []any{shred.Record{"sku": "C"}, shred.Record{"sku": "D"}}}, records[2])

	_, err := r.Cursor("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReader_Empty(t *testing.T) {
	r := openFile(t, writeFile(t, fruitSchema(t), nil))
	assert.Equal(t, int64(0), r.RowCount())
	assert.Empty(t, readAll(t, r))
}

func TestOpenFooter(t *testing.T) {
	ctx := context.Background()
	data := writeFile(t, fruitSchema(t), fruits())

	_, err := OpenFooter(ctx, source.NewBuffer(data))
	require.NoError(t, err)

	t.Run("truncated trailing magic", func(t *testing.T) {
		_, err := OpenFooter(ctx, source.NewBuffer(data[:len(data)-2]))
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})

	t.Run("bad leading magic", func(t *testing.T) {
		broken := append([]byte("PAR0"), data[4:]...)
		_, err := OpenFooter(ctx, source.NewBuffer(broken))
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})

	t.Run("too small", func(t *testing.T) {
		_, err := OpenFooter(ctx, source.NewBuffer([]byte("PAR1PAR1")))
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})

	t.Run("footer length overruns file", func(t *testing.T) {
		broken := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(broken[len(broken)-8:], uint32(len(broken)))
		_, err := OpenFooter(ctx, source.NewBuffer(broken))
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})

	t.Run("unsupported version", func(t *testing.T) {
		footer := parquet.NewFileMetaData()
		footer.Version = 2
		footer.Schema = fruitSchema(t).Elements()
		footer.RowGroups = []*parquet.RowGroup{}

		b, err := encodeThrift(ctx, footer)
		require.NoError(t, err)

		file := append([]byte(magic), b...)
		file = binary.LittleEndian.AppendUint32(file, uint32(len(b)))
		file = append(file, magic...)

		_, err = OpenFooter(ctx, source.NewBuffer(file))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})
}

func TestOpen_ClosesSourceOnFailure(t *testing.T) {
	src := &closeCounter{Source: source.NewBuffer([]byte("not a parquet file at all"))}
	_, err := Open(context.Background(), src)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, 1, src.closed)
}

type closeCounter struct {
	source.Source
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return c.Source.Close()
}

func TestReader_UnsupportedEncoding(t *testing.T) {
	data := writeFile(t, fruitSchema(t), fruits())
	r := openFile(t, data)
	quantity := r.MetaData().RowGroups[0].Columns[1]

	patchPageHeader(t, data, quantity.DataPageOffset, func(h *parquet.PageHeader) {
		h.DataPageHeader.Encoding = parquet.Encoding_PLAIN_DICTIONARY
	})

	r = openFile(t, data)
	ctx := context.Background()

	_, err := r.ReadRowGroup(ctx, 0, r.Schema().Leaves())
	assert.ErrorIs(t, err, encoding.ErrUnsupportedEncoding)

	// 他の列はそのまま読める
	name, err := r.ReadColumnChunk(ctx, 0, r.Schema().Find("name"))
	require.NoError(t, err)
	assert.Equal(t, 2, name.Count)
	assert.Equal(t, "oranges", string(name.Values[1].ByteArray()))
}

func TestReader_UnsupportedPageType(t *testing.T) {
	data := writeFile(t, fruitSchema(t), fruits())
	r := openFile(t, data)

	patchPageHeader(t, data, r.MetaData().RowGroups[0].Columns[0].DataPageOffset, func(h *parquet.PageHeader) {
		h.Type = parquet.PageType_INDEX_PAGE
	})

	r = openFile(t, data)
	_, err := r.ReadColumnChunk(context.Background(), 0, r.Schema().Find("name"))
	assert.ErrorIs(t, err, ErrUnsupportedPageType)
}

func TestReader_InvalidValueCounts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		v2    bool
		patch func(h *parquet.PageHeader)
	}{
		{"negative values", false, func(h *parquet.PageHeader) { h.DataPageHeader.NumValues = -2 }},
		{"negative values v2", true, func(h *parquet.PageHeader) { h.DataPageHeaderV2.NumValues = -2 }},
		{"nulls exceed values", true, func(h *parquet.PageHeader) { h.DataPageHeaderV2.NumNulls = 3 }},
		{"nulls in required column", true, func(h *parquet.PageHeader) { h.DataPageHeaderV2.NumNulls = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []WriterOption
			if tt.v2 {
				opts = append(opts, WithDataPageV2())
			}
			data := writeFile(t, fruitSchema(t), fruits(), opts...)
			r := openFile(t, data)

			patchPageHeader(t, data, r.MetaData().RowGroups[0].Columns[1].DataPageOffset, tt.patch)

			r = openFile(t, data)
			_, err := r.ReadColumnChunk(ctx, 0, r.Schema().Find("quantity"))
			assert.ErrorIs(t, err, ErrInvalidFormat)

			_, err = r.ReadRowGroup(ctx, 0, r.Schema().Leaves())
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestReader_ExternalReference(t *testing.T) {
	r := openFile(t, writeFile(t, fruitSchema(t), fruits()))

	path := "other.parquet"
	r.footer.RowGroups[0].Columns[0].FilePath = &path

	_, err := r.ReadColumnChunk(context.Background(), 0, r.Schema().Find("name"))
	assert.ErrorIs(t, err, ErrExternalReference)

	_, err = r.ReadColumnChunk(context.Background(), 0, r.Schema().Find("quantity"))
	assert.NoError(t, err)
}

func TestDecodeColumnChunk_LevelCounts(t *testing.T) {
	s := orderSchema(t)
	for _, v2 := range []bool{false, true} {
		opts := []WriterOption{WithPageSize(3)}
		if v2 {
			opts = append(opts, WithDataPageV2())
		}
		r := openFile(t, writeFile(t, s, orders(10), opts...))

		for _, f := range s.Leaves() {
			data, err := r.ReadColumnChunk(context.Background(), 0, f)
			require.NoError(t, err)

			defined := 0
			for _, d := range data.DLevels {
				assert.LessOrEqual(t, int(d), f.DLevelMax)
				if int(d) == f.DLevelMax {
					defined++
				}
			}
			for _, rl := range data.RLevels {
				assert.LessOrEqual(t, int(rl), f.RLevelMax)
			}
			assert.Len(t, data.RLevels, data.Count, f.Key())
			assert.Len(t, data.DLevels, data.Count, f.Key())
			assert.Len(t, data.Values, defined, f.Key())
			assert.Equal(t, 10, data.RowCount(), f.Key())
		}
	}
}

func TestReader_ReadIndex(t *testing.T) {
	records := make([]shred.Record, 8)
	for i := range records {
		records[i] = shred.Record{"name": "fruit", "quantity": int64(i * 10)}
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	r := openFile(t, writeFile(t, fruitSchema(t), records, WithRowGroupSize(4), WithPageSize(2)), WithMetrics(metrics))
	ctx := context.Background()

	pages, err := r.ReadIndex(ctx, "quantity")
	require.NoError(t, err)
	require.Len(t, pages, 4)

	for i, p := range pages {
		assert.Equal(t, i/2, p.RowGroup)
		assert.Equal(t, i%2, p.Page)
		assert.Equal(t, int64(i%2*2), p.FirstRow)
		assert.Equal(t, int64(2), p.RowCount)
		assert.Equal(t, int64(i*20), p.Min)
		assert.Equal(t, int64(i*20+10), p.Max)
		assert.False(t, p.NullPage)
	}

	// 読み込んだインデックスはキャッシュされる
	read := testutil.ToFloat64(metrics.BytesRead)
	_, err = r.ReadOffsetIndex(ctx, 1, "quantity")
	require.NoError(t, err)
	_, err = r.ReadColumnIndex(ctx, 1, "quantity")
	require.NoError(t, err)
	assert.Equal(t, read, testutil.ToFloat64(metrics.BytesRead))

	_, err = r.ReadIndex(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReader_ReadRows(t *testing.T) {
	records := orders(20)
	r := openFile(t, writeFile(t, orderSchema(t), records, WithPageSize(4)))
	ctx := context.Background()
	f := r.Schema().Find("tags")

	data, err := r.readRows(ctx, 0, f, 5, 11)
	require.NoError(t, err)
	assert.Equal(t, 6, data.RowCount())

	full, err := r.ReadColumnChunk(ctx, 0, f)
	require.NoError(t, err)
	assert.Equal(t, full.Rows(5, 11, f.DLevelMax), data)
}

func TestReader_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	data := writeFile(t, fruitSchema(t), fruits(), WithPageSize(1))

	r := openFile(t, data, WithMetrics(metrics))
	readAll(t, r)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PagesRead.WithLabelValues("quantity")))
	assert.Greater(t, testutil.ToFloat64(metrics.BytesRead), 0.0)

	n, err := testutil.GatherAndCount(reg, "dremel_pages_read_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
