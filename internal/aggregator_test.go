package internal

import (
	"context"
	"testing"

	"github.com/murakmii/dremel/internal/shred"
	"github.com/murakmii/dremel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runRecorder struct {
	runs []uint64
}

func (r *runRecorder) Aggregate(_ int64, repeated uint64) {
	r.runs = append(r.runs, repeated)
}

func TestAggregate_Sum(t *testing.T) {
	r := openFile(t, writeFile(t, fruitSchema(t), counted(25), WithRowGroupSize(10)))

	agg := NewSumAggregator[int64]()
	require.NoError(t, Aggregate[int64](context.Background(), r, "quantity", agg))
	assert.Equal(t, int64(300), agg.Result())
	assert.Equal(t, uint64(25), agg.Count())
}

func TestAggregate_Runs(t *testing.T) {
	records := []shred.Record{}
	for _, q := range []int64{3, 3, 3, 1, 2, 2} {
		records = append(records, shred.Record{"name": "fruit", "quantity": q})
	}
	r := openFile(t, writeFile(t, fruitSchema(t), records))

	rec := &runRecorder{}
	require.NoError(t, Aggregate[int64](context.Background(), r, "quantity", rec))
	assert.Equal(t, []uint64{3, 1, 2}, rec.runs)
}

func TestAggregate_SkipsNulls(t *testing.T) {
	r := openFile(t, writeFile(t, orderSchema(t), orders(10)))

	agg := NewSumAggregator[float64]()
	require.NoError(t, Aggregate[float64](context.Background(), r, "items.price", agg))

	// price は i%3 != 0 の行の最初の item にだけある
	assert.Equal(t, 1.5+2.5+4.5+5.5+7.5+8.5, agg.Result())
	assert.Equal(t, uint64(6), agg.Count())
}

func TestAggregate_Errors(t *testing.T) {
	r := openFile(t, writeFile(t, fruitSchema(t), fruits()))
	ctx := context.Background()

	err := Aggregate[int32](ctx, r, "quantity", NewSumAggregator[int32]())
	assert.ErrorIs(t, err, types.ErrTypeCoercion)

	err = Aggregate[int64](ctx, r, "weight", NewSumAggregator[int64]())
	assert.ErrorIs(t, err, ErrNotFound)
}
