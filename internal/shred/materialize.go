package shred

import (
	"fmt"

	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/types"
)

// 列データからレコードを組み立て records に行位置で書き込む。
// buf に無い列は読み飛ばすので、列を絞って読んだバッファもそのまま渡せる
func Materialize(s *schema.Schema, buf *Buffer, records []Record) ([]Record, error) {
	for _, f := range s.Leaves() {
		data, ok := buf.Columns[f.Key()]
		if !ok || data.Count == 0 {
			continue
		}

		var err error
		if records, err = materializeColumn(s, f, data, records); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func materializeColumn(s *schema.Schema, f *schema.Field, data *ColumnData, records []Record) ([]Record, error) {
	branch := s.Branch(f)

	// 各繰り返しの深さで、これまでに現れたインスタンスの数
	rLevels := make([]int, f.RLevelMax+1)
	vi := 0

	for i := 0; i < data.Count; i++ {
		rl, dl := int(data.RLevels[i]), int(data.DLevels[i])
		if rl > f.RLevelMax || dl > f.DLevelMax {
			return nil, fmt.Errorf("column %s: level out of range at %d (r=%d, d=%d)", f.Key(), i, rl, dl)
		}

		rLevels[rl]++
		for j := rl + 1; j < len(rLevels); j++ {
			rLevels[j] = 0
		}

		row := rLevels[0] - 1
		for len(records) <= row {
			records = append(records, Record{})
		}
		if records[row] == nil {
			records[row] = Record{}
		}

		node := records[row]
		depth := 1
		for _, step := range branch[:len(branch)-1] {
			if dl < step.DLevelMax {
				break
			}

			if !step.IsRepeated() {
				child, ok := node[step.Name].(Record)
				if !ok {
					child = Record{}
					node[step.Name] = child
				}
				node = child
				continue
			}

			list, _ := node[step.Name].([]any)
			ix := rLevels[depth]
			depth++
			for len(list) <= ix {
				list = append(list, Record{})
			}
			node[step.Name] = list
			node = list[ix].(Record)
		}

		if dl < f.DLevelMax {
			continue
		}

		if vi >= len(data.Values) {
			return nil, fmt.Errorf("column %s: %d values for more defined entries", f.Key(), len(data.Values))
		}
		value, err := types.FromPrimitive(f.Type, data.Values[vi])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Key(), err)
		}
		vi++

		if !f.IsRepeated() {
			node[f.Name] = value
			continue
		}

		list, _ := node[f.Name].([]any)
		ix := rLevels[depth]
		for len(list) <= ix {
			list = append(list, nil)
		}
		list[ix] = value
		node[f.Name] = list
	}

	return records, nil
}
