package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/murakmii/dremel/internal"
	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/shred"
	"github.com/prometheus/client_golang/prometheus"
)

const usage = `usage: dremel <command> [args]

commands:
  inspect <file>
  index   <file> <column>
  cat     <file> [column...]
  sum     <file> <column>
  search  <file> <column> <min|-> <max|->
  sort    <file> <column> [min|-] [max|-]
  write   <file> <schema.json>  (reads JSON lines from stdin)

<file> is a local path, an http(s):// URL or s3://bucket/key.
Configuration is read from $DREMEL_CONFIG and DREMEL_* environment variables.`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := internal.LoadConfig(os.Getenv("DREMEL_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = level.NewFilter(logger, levelOption(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	c := &cli{cfg: cfg, logger: logger, metrics: internal.NewMetrics(reg)}
	args := os.Args[2:]

	switch os.Args[1] {
	case "inspect":
		err = c.inspect(ctx, args[0])
	case "index":
		err = c.index(ctx, args)
	case "cat":
		err = c.cat(ctx, args[0], args[1:])
	case "sum":
		err = c.sum(ctx, args)
	case "search":
		err = c.search(ctx, args)
	case "sort":
		err = c.sort(ctx, args)
	case "write":
		err = c.write(ctx, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logMetrics(logger, reg)

	if err != nil {
		level.Error(logger).Log("msg", "command failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func logMetrics(logger log.Logger, reg prometheus.Gatherer) {
	families, err := reg.Gather()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to gather metrics", "err", err)
		return
	}

	for _, mf := range families {
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		level.Debug(logger).Log("msg", "metric", "name", mf.GetName(), "value", total)
	}
}

func levelOption(name string) level.Option {
	switch strings.ToLower(name) {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

type cli struct {
	cfg     *internal.Config
	logger  log.Logger
	metrics *internal.Metrics
}

func (c *cli) open(ctx context.Context, path string) (*internal.Reader, error) {
	opts := append(c.cfg.ReaderOptions(), internal.WithLogger(c.logger), internal.WithMetrics(c.metrics))

	var (
		r   *internal.Reader
		err error
	)
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		r, err = internal.OpenURL(ctx, path, c.cfg.HTTP.Timeout, opts...)
	case strings.HasPrefix(path, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(path, "s3://"), "/")
		if !ok {
			return nil, fmt.Errorf("invalid S3 location: %s", path)
		}
		r, err = internal.OpenS3(ctx, c.cfg.S3Options(), bucket, key, opts...)
	default:
		r, err = internal.OpenFile(ctx, path, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	level.Info(c.logger).Log("msg", "opened parquet file", "path", path, "rows", r.RowCount(), "row_groups", r.NumRowGroups())
	return r, nil
}

func printJSON(v any) error {
	j, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(j))
	return nil
}

func (c *cli) inspect(ctx context.Context, path string) error {
	r, err := c.open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	return printJSON(r.MetaData())
}

func (c *cli) index(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("index requires <file> <column>")
	}
	r, err := c.open(ctx, args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	pages, err := r.ReadIndex(ctx, args[1])
	if err != nil {
		return fmt.Errorf("failed to read index of '%s': %w", args[1], err)
	}
	return printJSON(pages)
}

func (c *cli) cat(ctx context.Context, path string, columns []string) error {
	r, err := c.open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	cursor, err := r.Cursor(columns...)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	for {
		rec, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Encode(rec); err != nil {
			return err
		}
	}
}

func (c *cli) sum(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("sum requires <file> <column>")
	}
	r, err := c.open(ctx, args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	f := r.Schema().Find(args[1])
	if f == nil || f.IsGroup() {
		return fmt.Errorf("%w: column %s", internal.ErrNotFound, args[1])
	}

	var result any
	switch f.Type.Name {
	case "INT32", "INT_8", "INT_16", "INT_32":
		result, err = sum[int32](ctx, r, args[1])
	case "INT64", "INT_64":
		result, err = sum[int64](ctx, r, args[1])
	case "UINT_8", "UINT_16", "UINT_32":
		result, err = sum[uint32](ctx, r, args[1])
	case "UINT_64":
		result, err = sum[uint64](ctx, r, args[1])
	case "FLOAT":
		result, err = sum[float32](ctx, r, args[1])
	case "DOUBLE":
		result, err = sum[float64](ctx, r, args[1])
	default:
		return fmt.Errorf("column '%s' of type %s can not be summed", args[1], f.Type.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to aggregate field '%s': %w", args[1], err)
	}

	fmt.Printf("Sum: %v\n", result)
	return nil
}

func sum[T internal.Number](ctx context.Context, r *internal.Reader, path string) (T, error) {
	agg := internal.NewSumAggregator[T]()
	if err := internal.Aggregate[T](ctx, r, path, agg); err != nil {
		return 0, err
	}
	return agg.Result(), nil
}

// "-" または空文字は範囲の片側を開ける
func bound(args []string, i int) any {
	if i >= len(args) || args[i] == "-" || args[i] == "" {
		return nil
	}
	return args[i]
}

func (c *cli) query(ctx context.Context, args []string, run func(*internal.Search, func(shred.Record) error) error) error {
	if len(args) < 2 {
		return errors.New("a <file> and a <column> are required")
	}
	r, err := c.open(ctx, args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	pred := internal.Predicate{Path: args[1], Min: bound(args, 2), Max: bound(args, 3)}
	search, err := r.Search(ctx, []internal.Predicate{pred}, internal.SearchOptions{Concurrency: c.cfg.Concurrency})
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	return run(search, func(rec shred.Record) error {
		return out.Encode(rec)
	})
}

func (c *cli) search(ctx context.Context, args []string) error {
	return c.query(ctx, args, func(s *internal.Search, emit func(shred.Record) error) error {
		return s.Results(ctx, emit)
	})
}

func (c *cli) sort(ctx context.Context, args []string) error {
	return c.query(ctx, args, func(s *internal.Search, emit func(shred.Record) error) error {
		return s.Sort(ctx, args[1], emit)
	})
}

func (c *cli) write(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("write requires <file> <schema.json>")
	}

	b, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	var defs []schema.Definition
	if err := json.Unmarshal(b, &defs); err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}
	s, err := schema.New(defs...)
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer f.Close()

	out := bufio.NewWriter(f)
	w, err := internal.NewWriter(out, s, append(c.cfg.WriterOptions(), internal.WithWriterLogger(c.logger))...)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(os.Stdin)
	dec.UseNumber()
	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rec shred.Record
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("failed to parse record %d: %w", rows, err)
		}
		if err := w.Append(rec); err != nil {
			return fmt.Errorf("record %d: %w", rows, err)
		}
		rows++
	}

	if err := w.Close(); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}

	level.Info(c.logger).Log("msg", "wrote parquet file", "path", args[0], "rows", rows)
	return nil
}
