package internal

import (
	"context"
	"fmt"

	"github.com/murakmii/dremel/internal/types"
)

type (
	Number interface {
		int32 | int64 | uint32 | uint64 | float32 | float64
	}

	// 同じ値が repeated 回続いたものをまとめて受け取る
	Aggregator[T any] interface {
		Aggregate(T, uint64)
	}

	SumAggregator[T Number] struct {
		sum T
		n   uint64
	}
)

func NewSumAggregator[T Number]() *SumAggregator[T] {
	return &SumAggregator[T]{}
}

func (agg *SumAggregator[T]) Aggregate(n T, repeated uint64) {
	agg.sum += n * T(repeated)
	agg.n += repeated
}

func (agg *SumAggregator[T]) Result() T {
	return agg.sum
}

// 集計した値の数。null は含まない
func (agg *SumAggregator[T]) Count() uint64 {
	return agg.n
}

// 全ての行グループについて列の値を agg に渡す
func Aggregate[T any](ctx context.Context, r *Reader, path string, agg Aggregator[T]) error {
	f := r.schema.Find(path)
	if f == nil || f.IsGroup() || len(r.meta.FindColumnChunk(path)) == 0 {
		return fmt.Errorf("%w: column %s", ErrNotFound, path)
	}

	for rg := range r.footer.RowGroups {
		data, err := r.ReadColumnChunk(ctx, rg, f)
		if err != nil {
			return err
		}

		// 連続する同じ値はまとめて渡す
		for i := 0; i < len(data.Values); {
			j := i + 1
			for j < len(data.Values) && types.Equal(data.Values[i], data.Values[j]) {
				j++
			}

			v, err := types.FromPrimitive(f.Type, data.Values[i])
			if err != nil {
				return fmt.Errorf("column %s: %w", path, err)
			}
			n, ok := v.(T)
			if !ok {
				return fmt.Errorf("%w: column %s holds %T", types.ErrTypeCoercion, path, v)
			}
			agg.Aggregate(n, uint64(j-i))
			i = j
		}
	}

	return nil
}
