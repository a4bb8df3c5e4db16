package shred

import (
	"errors"
	"fmt"

	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/types"
)

var (
	ErrMissingRequiredField = errors.New("missing required field")
	ErrTooManyValues        = errors.New("too many values for non-repeated field")
)

type (
	// 入れ子になったマップ、スライス、スカラー値からなるレコード
	Record = map[string]any

	// 1列分のレベルと値。値は定義レベルが最大の位置の分だけ持つ
	ColumnData struct {
		RLevels []int32
		DLevels []int32
		Values  []types.Value
		Count   int
	}

	// 行グループ1つ分の列データ
	Buffer struct {
		RowCount int
		Columns  map[string]*ColumnData
	}

	FieldError struct {
		Path string
		Err  error
	}
)

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func NewBuffer(s *schema.Schema) *Buffer {
	buf := &Buffer{Columns: make(map[string]*ColumnData, len(s.Leaves()))}
	for _, f := range s.Leaves() {
		buf.Columns[f.Key()] = &ColumnData{}
	}
	return buf
}

func (c *ColumnData) append(rlvl, dlvl int, value *types.Value) {
	c.RLevels = append(c.RLevels, int32(rlvl))
	c.DLevels = append(c.DLevels, int32(dlvl))
	if value != nil {
		c.Values = append(c.Values, *value)
	}
	c.Count++
}

func (c *ColumnData) extend(other *ColumnData) {
	c.RLevels = append(c.RLevels, other.RLevels...)
	c.DLevels = append(c.DLevels, other.DLevels...)
	c.Values = append(c.Values, other.Values...)
	c.Count += other.Count
}

// 行番号が [from, to) の範囲にあるエントリだけを取り出す。
// 行の境界は繰り返しレベルが0のエントリ
func (c *ColumnData) Rows(from, to, dLevelMax int) *ColumnData {
	out := &ColumnData{}
	row := -1
	vi := 0

	for i := 0; i < c.Count; i++ {
		if c.RLevels[i] == 0 {
			row++
		}
		if row >= to {
			break
		}

		hasValue := int(c.DLevels[i]) == dLevelMax
		if row >= from {
			out.RLevels = append(out.RLevels, c.RLevels[i])
			out.DLevels = append(out.DLevels, c.DLevels[i])
			if hasValue {
				out.Values = append(out.Values, c.Values[vi])
			}
			out.Count++
		}
		if hasValue {
			vi++
		}
	}

	return out
}

// 行数を数える
func (c *ColumnData) RowCount() int {
	n := 0
	for i := 0; i < c.Count; i++ {
		if c.RLevels[i] == 0 {
			n++
		}
	}
	return n
}
