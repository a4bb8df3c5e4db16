package internal

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/source"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency    = 500
	defaultIndexCacheSize = 1024
)

type (
	// 1つのファイルを読むための構造体。
	// フッターとスキーマは開いた後に変更されず、複数のカーソルや検索から同時に使える
	Reader struct {
		src    source.Source
		footer *parquet.FileMetaData
		schema *schema.Schema
		meta   *MetaData

		logger      log.Logger
		metrics     *Metrics
		concurrency int
		cacheSize   int
		indexes     *lru.Cache[indexKey, any]
	}

	Option func(*Reader)

	// 行グループ単位で読み進めるカーソル
	Cursor struct {
		r        *Reader
		fields   []*schema.Field
		rowGroup int
		records  []shred.Record
		index    int
	}
)

func WithLogger(logger log.Logger) Option {
	return func(r *Reader) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// 1つの行グループ内で同時に読む列数と、検索の既定の並行数
func WithConcurrency(n int) Option {
	return func(r *Reader) { r.concurrency = n }
}

func WithIndexCacheSize(n int) Option {
	return func(r *Reader) { r.cacheSize = n }
}

// フッターを読んで Reader を作る。失敗した場合 src は閉じられる
func Open(ctx context.Context, src source.Source, opts ...Option) (*Reader, error) {
	r := &Reader{
		src:         src,
		logger:      log.NewNopLogger(),
		concurrency: defaultConcurrency,
		cacheSize:   defaultIndexCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}

	if err := r.open(ctx); err != nil {
		src.Close()
		return nil, err
	}

	level.Debug(r.logger).Log("msg", "opened footer", "row_groups", len(r.footer.RowGroups), "rows", r.footer.NumRows)
	return r, nil
}

func (r *Reader) open(ctx context.Context) error {
	var err error
	if r.indexes, err = lru.New[indexKey, any](max(r.cacheSize, 1)); err != nil {
		return fmt.Errorf("failed to create index cache: %w", err)
	}

	if r.footer, err = OpenFooter(ctx, countingSource{r.src, r.metrics}); err != nil {
		return err
	}

	if r.schema, err = schema.FromElements(r.footer.Schema); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	r.meta = inspectFooter(r.footer, r.schema)
	return nil
}

func OpenFile(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	src, err := source.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return Open(ctx, src, opts...)
}

func OpenBuffer(ctx context.Context, data []byte, opts ...Option) (*Reader, error) {
	return Open(ctx, source.NewBuffer(data), opts...)
}

func OpenURL(ctx context.Context, url string, timeout time.Duration, opts ...Option) (*Reader, error) {
	return Open(ctx, source.NewHTTP(url, timeout), opts...)
}

func OpenS3(ctx context.Context, s3 source.S3Options, bucket, key string, opts ...Option) (*Reader, error) {
	src, err := source.DialS3(s3, bucket, key)
	if err != nil {
		return nil, err
	}
	return Open(ctx, src, opts...)
}

func (r *Reader) Close() error {
	return r.src.Close()
}

func (r *Reader) RowCount() int64 {
	return r.footer.NumRows
}

func (r *Reader) Schema() *schema.Schema {
	return r.schema
}

// フッターのキーバリューメタデータ
func (r *Reader) Metadata() map[string]string {
	return keyValue(r.footer)
}

// 表示用のメタデータ
func (r *Reader) MetaData() *MetaData {
	return r.meta
}

func (r *Reader) NumRowGroups() int {
	return len(r.footer.RowGroups)
}

// 列名から読む葉フィールドを決める。グループを指定した場合はその配下の全ての葉。
// 何も指定しなければ全ての葉
func (r *Reader) resolveColumns(columns []string) ([]*schema.Field, error) {
	if len(columns) == 0 {
		return r.schema.Leaves(), nil
	}

	seen := make(map[string]bool)
	var fields []*schema.Field
	for _, col := range columns {
		f := r.schema.Find(col)
		if f == nil {
			return nil, fmt.Errorf("%w: column %s", ErrNotFound, col)
		}

		for _, leaf := range r.schema.Leaves() {
			key := leaf.Key()
			if (key == col || strings.HasPrefix(key, col+".")) && !seen[key] {
				seen[key] = true
				fields = append(fields, leaf)
			}
		}
	}

	return fields, nil
}

func (r *Reader) Cursor(columns ...string) (*Cursor, error) {
	fields, err := r.resolveColumns(columns)
	if err != nil {
		return nil, err
	}
	return &Cursor{r: r, fields: fields}, nil
}

// 次のレコードを返す。最後まで読んだら io.EOF
func (c *Cursor) Next(ctx context.Context) (shred.Record, error) {
	for c.index >= len(c.records) {
		if c.rowGroup >= c.r.NumRowGroups() {
			return nil, io.EOF
		}

		buf, err := c.r.ReadRowGroup(ctx, c.rowGroup, c.fields)
		if err != nil {
			return nil, err
		}

		if c.records, err = shred.Materialize(c.r.schema, buf, nil); err != nil {
			return nil, fmt.Errorf("failed to materialize row group %d: %w", c.rowGroup, err)
		}
		c.rowGroup++
		c.index = 0
	}

	rec := c.records[c.index]
	c.index++
	return rec, nil
}

func (c *Cursor) Rewind() {
	c.rowGroup = 0
	c.records = nil
	c.index = 0
}

// 行グループの指定した列を並行に読む。
// 完了順に関わらず結果は列のパスで結び付けるので位置は変わらない
func (r *Reader) ReadRowGroup(ctx context.Context, rg int, fields []*schema.Field) (*shred.Buffer, error) {
	if rg < 0 || rg >= r.NumRowGroups() {
		return nil, fmt.Errorf("%w: row group %d", ErrNotFound, rg)
	}

	columns := make([]*shred.ColumnData, len(fields))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(r.concurrency, 1))
	for i, f := range fields {
		eg.Go(func() error {
			data, err := r.ReadColumnChunk(ctx, rg, f)
			if err != nil {
				return err
			}
			columns[i] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	buf := &shred.Buffer{
		RowCount: int(r.footer.RowGroups[rg].NumRows),
		Columns:  make(map[string]*shred.ColumnData, len(fields)),
	}
	for i, f := range fields {
		buf.Columns[f.Key()] = columns[i]
	}
	return buf, nil
}

func (r *Reader) columnChunk(rg int, key string) (*parquet.ColumnChunk, *ColumnChunk, error) {
	if rg < 0 || rg >= r.NumRowGroups() {
		return nil, nil, fmt.Errorf("%w: row group %d", ErrNotFound, rg)
	}

	for i, col := range r.footer.RowGroups[rg].Columns {
		if col.MetaData != nil && strings.Join(col.MetaData.PathInSchema, ".") == key {
			return col, r.meta.RowGroups[rg].Columns[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: column %s in row group %d", ErrNotFound, key, rg)
}

// 列チャンク全体を読んでデコードする
func (r *Reader) ReadColumnChunk(ctx context.Context, rg int, f *schema.Field) (*shred.ColumnData, error) {
	raw, col, err := r.columnChunk(rg, f.Key())
	if err != nil {
		return nil, err
	}
	if raw.FilePath != nil {
		return nil, fmt.Errorf("%w: %s refers to %s", ErrExternalReference, f.Key(), *raw.FilePath)
	}

	head := col.PageHeadOffset()
	data, err := r.readAt(ctx, head, col.PageTailOffset()-head)
	if err != nil {
		return nil, fmt.Errorf("failed to read column chunk %s of row group %d: %w", f.Key(), rg, err)
	}

	return r.decodePages(ctx, data, f, col.Codec)
}

func (r *Reader) decodePages(ctx context.Context, data []byte, f *schema.Field, codec parquet.CompressionCodec) (*shred.ColumnData, error) {
	out, pages, err := decodeColumnChunk(ctx, data, f, codec)
	r.metrics.PagesRead.WithLabelValues(f.Key()).Add(float64(pages))
	return out, err
}

func (r *Reader) readAt(ctx context.Context, offset, length int64) ([]byte, error) {
	return countingSource{r.src, r.metrics}.ReadAt(ctx, offset, length)
}

// 読んだバイト数を数える
type countingSource struct {
	source.Source
	metrics *Metrics
}

func (s countingSource) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	b, err := s.Source.ReadAt(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	s.metrics.BytesRead.Add(float64(len(b)))
	return b, nil
}
