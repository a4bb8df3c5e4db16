package internal

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/stretchr/testify/require"
)

const (
	required = parquet.FieldRepetitionType_REQUIRED
	optional = parquet.FieldRepetitionType_OPTIONAL
	repeated = parquet.FieldRepetitionType_REPEATED
)

func fruitSchema(t *testing.T) *schema.Schema {
	t.Helper()

	s, err := schema.New(
		schema.Definition{Name: "name", Type: "UTF8", Repetition: required},
		schema.Definition{Name: "quantity", Type: "INT64", Repetition: required},
	)
	require.NoError(t, err)
	return s
}

func fruits() []shred.Record {
	return []shred.Record{
		{"name": "apples", "quantity": int64(10)},
		{"name": "oranges", "quantity": int64(5)},
	}
}

// 入れ子と繰り返しを含むスキーマ
func orderSchema(t *testing.T) *schema.Schema {
	t.Helper()

	s, err := schema.New(
		schema.Definition{Name: "id", Type: "INT64", Repetition: required},
		schema.Definition{Name: "customer", Type: "UTF8", Repetition: optional},
		schema.Definition{Name: "paid", Type: "BOOLEAN", Repetition: required},
		schema.Definition{Name: "tags", Type: "UTF8", Repetition: repeated},
		schema.Definition{Name: "items", Repetition: repeated, Fields: []schema.Definition{
			{Name: "sku", Type: "UTF8", Repetition: required},
			{Name: "price", Type: "DOUBLE", Repetition: optional},
		}},
	)
	require.NoError(t, err)
	return s
}

func orders(n int) []shred.Record {
	records := make([]shred.Record, n)
	for i := range records {
		rec := shred.Record{
			"id":   int64(i),
			"paid": i%3 == 0,
		}
		if i%4 != 1 {
			rec["customer"] = []string{"alice", "bob", "carol"}[i%3]
		}
		if i%2 == 0 {
			rec["tags"] = []any{"new", []string{"gift", "bulk", "rush"}[i%3]}
		}

		var items []any
		for j := 0; j < i%3; j++ {
			item := shred.Record{"sku": []string{"A", "B", "C", "D"}[(i+j)%4]}
			if j%2 == 0 {
				item["price"] = float64(i) + 0.5
			}
			items = append(items, item)
		}
		if items != nil {
			rec["items"] = items
		}

		records[i] = rec
	}
	return records
}

// レコードを書き込んだファイルのバイト列
func writeFile(t *testing.T, s *schema.Schema, records []shred.Record, opts ...WriterOption) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, s, opts...)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func openFile(t *testing.T, data []byte, opts ...Option) *Reader {
	t.Helper()

	r, err := OpenBuffer(context.Background(), data, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func readAll(t *testing.T, r *Reader, columns ...string) []shred.Record {
	t.Helper()

	cursor, err := r.Cursor(columns...)
	require.NoError(t, err)

	var records []shred.Record
	for {
		rec, err := cursor.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return records
		}
		records = append(records, rec)
	}
}

// offset にあるページヘッダーを同じ長さのまま書き換える
func patchPageHeader(t *testing.T, data []byte, offset int64, fn func(*parquet.PageHeader)) {
	t.Helper()

	ctx := context.Background()
	header := parquet.NewPageHeader()
	n, err := decodeThrift(ctx, data[offset:], header)
	require.NoError(t, err)

	fn(header)
	b, err := encodeThrift(ctx, header)
	require.NoError(t, err)
	require.Len(t, b, n)
	copy(data[offset:], b)
}
