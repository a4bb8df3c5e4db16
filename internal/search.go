package internal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/types"
	"golang.org/x/sync/errgroup"
)

type (
	// 列の値が [Min, Max] に入ることを求める条件。nil の側は上限、下限なし
	Predicate struct {
		Path string
		Min  any
		Max  any
	}

	SearchOptions struct {
		// 各段で同時に実行する読み込みの数
		Concurrency int

		// 結果に含める列。空なら全ての葉
		Columns []string
	}

	Search struct {
		// 列チャンク統計で絞り込んだ後の候補の行グループ
		RowGroups []int

		r           *Reader
		preds       []*predicate
		columns     []*schema.Field
		reads       []*schema.Field
		concurrency int
	}

	predicate struct {
		field    *schema.Field
		min, max any
	}

	// 条件を満たした1行。key はソートする列の値
	match struct {
		record shred.Record
		key    any
	}
)

var errStop = errors.New("stop")

// 条件に一致するレコードを探す準備をする。
// 条件の値は列の論理型に変換され、行グループはフッターの統計で絞り込まれる
func (r *Reader) Search(ctx context.Context, preds []Predicate, opts SearchOptions) (*Search, error) {
	s := &Search{r: r, concurrency: opts.Concurrency}
	if s.concurrency <= 0 {
		s.concurrency = r.concurrency
	}

	for _, p := range preds {
		f := r.schema.Find(p.Path)
		if f == nil || f.IsGroup() {
			return nil, fmt.Errorf("%w: column %s", ErrNotFound, p.Path)
		}

		pred := &predicate{field: f}
		var err error
		if pred.min, err = coerce(f, p.Min); err != nil {
			return nil, fmt.Errorf("invalid lower bound for %s: %w", p.Path, err)
		}
		if pred.max, err = coerce(f, p.Max); err != nil {
			return nil, fmt.Errorf("invalid upper bound for %s: %w", p.Path, err)
		}
		s.preds = append(s.preds, pred)
	}

	var err error
	if s.columns, err = r.resolveColumns(opts.Columns); err != nil {
		return nil, err
	}
	s.reads = s.columns
	for _, p := range s.preds {
		s.reads = withField(s.reads, p.field)
	}

	for rg := range r.footer.RowGroups {
		ok, err := s.matchRowGroup(ctx, rg)
		if err != nil {
			return nil, err
		}
		if ok {
			s.RowGroups = append(s.RowGroups, rg)
		} else {
			r.metrics.RowGroupsPruned.Inc()
		}
	}

	level.Debug(r.logger).Log("msg", "pruned row groups", "candidates", len(s.RowGroups), "total", r.NumRowGroups())
	return s, nil
}

func coerce(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	p, err := types.ToPrimitive(f.Type, v)
	if err != nil {
		return nil, err
	}
	return types.FromPrimitive(f.Type, p)
}

func withField(fields []*schema.Field, f *schema.Field) []*schema.Field {
	if slices.Contains(fields, f) {
		return fields
	}
	return append(slices.Clip(fields), f)
}

func (p *predicate) bounded() bool {
	return p.min != nil || p.max != nil
}

func (p *predicate) intersects(lo, hi any) bool {
	return (p.max == nil || types.Compare(lo, p.max) <= 0) && (p.min == nil || types.Compare(hi, p.min) >= 0)
}

func (p *predicate) contains(v any) bool {
	return v != nil && p.intersects(v, v)
}

// 範囲が条件と交わらないページは候補から外す。
// 統計を持たないページは常に候補
func (p *predicate) matchPage(page *PageInfo) bool {
	if p == nil {
		return true
	}
	if page.NullPage {
		return !p.bounded()
	}
	if !page.HasBounds() {
		return true
	}
	return p.intersects(page.Min, page.Max)
}

// 行グループ全体の値の範囲。フッターの統計が無ければ ColumnIndex から集計する
func (r *Reader) chunkRange(ctx context.Context, rg int, f *schema.Field) (any, any, error) {
	raw, col, err := r.columnChunk(rg, f.Key())
	if err != nil {
		return nil, nil, err
	}
	if col.Min != nil && col.Max != nil {
		return col.Min, col.Max, nil
	}
	if raw.ColumnIndexOffset == nil || raw.OffsetIndexOffset == nil {
		return nil, nil, nil
	}

	pages, err := r.pages(ctx, rg, f)
	if err != nil {
		return nil, nil, err
	}

	var lo, hi any
	for _, p := range pages {
		if !p.HasBounds() {
			if !p.NullPage {
				return nil, nil, nil
			}
			continue
		}
		if lo == nil || types.Compare(p.Min, lo) < 0 {
			lo = p.Min
		}
		if hi == nil || types.Compare(p.Max, hi) > 0 {
			hi = p.Max
		}
	}
	return lo, hi, nil
}

func (s *Search) matchRowGroup(ctx context.Context, rg int) (bool, error) {
	for _, p := range s.preds {
		lo, hi, err := s.r.chunkRange(ctx, rg, p.field)
		if err != nil {
			return false, err
		}
		if lo != nil && hi != nil && !p.intersects(lo, hi) {
			return false, nil
		}
	}
	return true, nil
}

// 行グループ内で、drive の列の候補ページを返す。
// 他の条件の列についても、行の範囲が重なる候補ページが無ければ外す
func (s *Search) candidatePages(ctx context.Context, rg int, drive *schema.Field, pred *predicate, others []*predicate) ([]PageInfo, error) {
	pages, err := s.r.pages(ctx, rg, drive)
	if err != nil {
		return nil, err
	}

	others = slices.DeleteFunc(slices.Clone(others), func(p *predicate) bool { return p == pred })
	otherPages := make([][]PageInfo, len(others))
	for i, p := range others {
		all, err := s.r.pages(ctx, rg, p.field)
		if err != nil {
			return nil, err
		}
		otherPages[i] = slices.DeleteFunc(all, func(page PageInfo) bool { return !p.matchPage(&page) })
	}

	candidates := make([]PageInfo, 0, len(pages))
	for _, page := range pages {
		if pred.matchPage(&page) && overlapsAll(&page, otherPages) {
			candidates = append(candidates, page)
		}
	}

	if pruned := len(pages) - len(candidates); pruned > 0 {
		s.r.metrics.PagesPruned.Add(float64(pruned))
	}
	level.Debug(s.r.logger).Log("msg", "pruned pages", "row_group", rg, "column", drive.Key(), "candidates", len(candidates), "total", len(pages))
	return candidates, nil
}

func overlapsAll(page *PageInfo, others [][]PageInfo) bool {
	for _, pages := range others {
		found := false
		for _, o := range pages {
			if o.FirstRow < page.FirstRow+page.RowCount && page.FirstRow < o.FirstRow+o.RowCount {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// 最初の条件の列を軸に、候補の行グループから候補ページを並行に列挙する
func (s *Search) streamPages(ctx context.Context, drive *schema.Field, pred *predicate, emit func(PageInfo) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)

	for _, rg := range s.RowGroups {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			pages, err := s.candidatePages(egCtx, rg, drive, pred, s.preds)
			if err != nil {
				return err
			}
			for _, page := range pages {
				if err := emit(page); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Search) drive() (*schema.Field, *predicate) {
	if len(s.preds) == 0 {
		return s.columns[0], nil
	}
	return s.preds[0].field, s.preds[0]
}

// 候補ページを列挙する
func (s *Search) Pages(ctx context.Context, fn func(PageInfo) error) error {
	if len(s.reads) == 0 {
		return nil
	}
	drive, pred := s.drive()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan PageInfo)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(pages)
		return s.streamPages(ctx, drive, pred, sendTo(ctx, pages))
	})

	return consume(eg, cancel, pages, fn)
}

// 条件に一致するレコードを列挙する。順序はページの読み込みが完了した順
func (s *Search) Results(ctx context.Context, fn func(shred.Record) error) error {
	if len(s.reads) == 0 {
		return nil
	}
	drive, pred := s.drive()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan PageInfo)
	records := make(chan shred.Record)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(pages)
		return s.streamPages(ctx, drive, pred, sendTo(ctx, pages))
	})

	eg.Go(func() error {
		defer close(records)

		workers, ctx := errgroup.WithContext(ctx)
		workers.SetLimit(s.concurrency)
		send := sendTo(ctx, records)
		for page := range pages {
			if ctx.Err() != nil {
				break
			}
			workers.Go(func() error {
				matches, err := s.fetch(ctx, page, nil)
				if err != nil {
					return err
				}
				for _, m := range matches {
					if err := send(m.record); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return workers.Wait()
	})

	return consume(eg, cancel, records, func(rec shred.Record) error {
		s.r.metrics.RecordsEmitted.Inc()
		return fn(rec)
	})
}

// 最初に見つかったレコードを返し、残りの読み込みを止める
func (s *Search) First(ctx context.Context) (shred.Record, error) {
	var first shred.Record
	err := s.Results(ctx, func(rec shred.Record) error {
		first = rec
		return errStop
	})

	switch {
	case errors.Is(err, errStop):
		return first, nil
	case err != nil:
		return nil, err
	default:
		return nil, ErrNotFound
	}
}

func sendTo[T any](ctx context.Context, ch chan<- T) func(T) error {
	return func(v T) error {
		select {
		case ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ch を読み切るまで fn に渡す。fn が失敗したら残りの処理を止め、その失敗を返す
func consume[T any](eg *errgroup.Group, cancel context.CancelFunc, ch <-chan T, fn func(T) error) error {
	var fnErr error
	for v := range ch {
		if fnErr != nil {
			continue
		}
		if fnErr = fn(v); fnErr != nil {
			cancel()
		}
	}

	if err := eg.Wait(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// ページの行範囲にある必要な列を読み、条件に一致する行を返す
func (s *Search) fetch(ctx context.Context, page PageInfo, sortBy *schema.Field) ([]match, error) {
	from, to := page.FirstRow, page.FirstRow+page.RowCount

	reads := s.reads
	if sortBy != nil {
		reads = withField(reads, sortBy)
	}

	buf := &shred.Buffer{RowCount: int(page.RowCount), Columns: make(map[string]*shred.ColumnData, len(reads))}
	for _, f := range reads {
		data, err := s.r.readRows(ctx, page.RowGroup, f, from, to)
		if err != nil {
			return nil, err
		}
		buf.Columns[f.Key()] = data
	}

	full, err := shred.Materialize(s.r.schema, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize rows of row group %d: %w", page.RowGroup, err)
	}

	projected := full
	if len(reads) != len(s.columns) {
		sub := &shred.Buffer{RowCount: buf.RowCount, Columns: make(map[string]*shred.ColumnData, len(s.columns))}
		for _, f := range s.columns {
			sub.Columns[f.Key()] = buf.Columns[f.Key()]
		}
		if projected, err = shred.Materialize(s.r.schema, sub, nil); err != nil {
			return nil, fmt.Errorf("failed to materialize rows of row group %d: %w", page.RowGroup, err)
		}
	}

	matches := make([]match, 0, len(full))
	for i, rec := range full {
		if !s.matchRecord(rec) {
			s.r.metrics.RecordsFiltered.Inc()
			continue
		}

		m := match{record: shred.Record{}}
		if i < len(projected) && projected[i] != nil {
			m.record = projected[i]
		}
		if sortBy != nil {
			m.key = sortKey(rec, sortBy)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// 全ての条件について、いずれかの値が範囲に入っていれば一致
func (s *Search) matchRecord(rec shred.Record) bool {
	for _, p := range s.preds {
		if !p.bounded() {
			continue
		}
		if !slices.ContainsFunc(valuesAt(rec, p.field.Path), p.contains) {
			return false
		}
	}
	return true
}

// 繰り返される列は最小の値をキーにする
func sortKey(rec shred.Record, f *schema.Field) any {
	var key any
	for _, v := range valuesAt(rec, f.Path) {
		if key == nil || types.Compare(v, key) < 0 {
			key = v
		}
	}
	return key
}

func valuesAt(v any, path []string) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, e := range x {
			out = append(out, valuesAt(e, path)...)
		}
		return out
	case shred.Record:
		if len(path) == 0 {
			return nil
		}
		return valuesAt(x[path[0]], path[1:])
	}

	if len(path) != 0 {
		return nil
	}
	return []any{v}
}

// field の昇順にレコードを列挙する。
// まだ読んでいないページの最大値のうち最小のもの (lowestMax) 以下の最小値を持つページを読み、
// lowestMax 以下のレコードを出力することを繰り返す。値が等しいレコードはページの順
func (s *Search) Sort(ctx context.Context, field string, fn func(shred.Record) error) error {
	sortBy := s.r.schema.Find(field)
	if sortBy == nil || sortBy.IsGroup() {
		return fmt.Errorf("%w: column %s", ErrNotFound, field)
	}

	var pred *predicate
	for _, p := range s.preds {
		if p.field == sortBy {
			pred = p
			break
		}
	}

	// 全ての候補ページを行グループ、ページの順に並べる
	var (
		pages []PageInfo
		mu    sync.Mutex
	)
	err := s.streamPages(ctx, sortBy, pred, func(p PageInfo) error {
		if p.HasBounds() && types.Compare(p.Min, p.Max) > 0 {
			return fmt.Errorf("%w: page %d of row group %d has min %v above max %v", ErrInvalidFormat, p.Page, p.RowGroup, p.Min, p.Max)
		}

		mu.Lock()
		defer mu.Unlock()
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return err
	}
	slices.SortFunc(pages, func(a, b PageInfo) int {
		if a.RowGroup != b.RowGroup {
			return a.RowGroup - b.RowGroup
		}
		return a.Page - b.Page
	})

	type entry struct {
		match
		seq, row int
	}

	var (
		buffered []entry
		pending  = make([]int, 0, len(pages))
		first    = true
	)
	for i := range pages {
		pending = append(pending, i)
	}

	emit := func(e entry) error {
		s.r.metrics.RecordsEmitted.Inc()
		return fn(e.record)
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		// 範囲を持たないページは最初にまとめて読む
		var lowestMax any
		lowest := -1
		for _, i := range pending {
			if pages[i].HasBounds() && (lowestMax == nil || types.Compare(pages[i].Max, lowestMax) < 0) {
				lowestMax, lowest = pages[i].Max, i
			}
		}

		// lowestMax を決めたページは必ず読むので、pending は毎回減る
		var fetch, rest []int
		for _, i := range pending {
			p := &pages[i]
			if (first && !p.HasBounds()) || i == lowest || (p.HasBounds() && lowestMax != nil && types.Compare(p.Min, lowestMax) <= 0) {
				fetch = append(fetch, i)
			} else {
				rest = append(rest, i)
			}
		}
		first = false
		pending = rest

		results := make([][]match, len(fetch))
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(s.concurrency)
		for j, i := range fetch {
			eg.Go(func() error {
				m, err := s.fetch(ctx, pages[i], sortBy)
				results[j] = m
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		for j, i := range fetch {
			for row, m := range results[j] {
				buffered = append(buffered, entry{match: m, seq: i, row: row})
			}
		}
		slices.SortStableFunc(buffered, func(a, b entry) int {
			if c := types.Compare(a.key, b.key); c != 0 {
				return c
			}
			if a.seq != b.seq {
				return a.seq - b.seq
			}
			return a.row - b.row
		})

		if lowestMax == nil {
			continue
		}

		n := 0
		for n < len(buffered) && buffered[n].key != nil && types.Compare(buffered[n].key, lowestMax) <= 0 {
			if err := emit(buffered[n]); err != nil {
				return err
			}
			n++
		}
		buffered = buffered[n:]
	}

	// 残りと、値を持たないレコード
	for _, e := range buffered {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

// 結果列のパス一覧
func (s *Search) Columns() []string {
	cols := make([]string, len(s.columns))
	for i, f := range s.columns {
		cols[i] = strings.Join(f.Path, ".")
	}
	return cols
}
