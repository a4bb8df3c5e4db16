package shred

import (
	"fmt"
	"reflect"

	"github.com/murakmii/dremel/internal/schema"
	"github.com/murakmii/dremel/internal/types"
)

// レコード1件を列に分解し buf に追記する。
// 失敗した場合 buf は変更されない
func Shred(s *schema.Schema, rec Record, buf *Buffer) error {
	scratch := make(map[string]*ColumnData, len(s.Leaves()))
	for _, f := range s.Leaves() {
		scratch[f.Key()] = &ColumnData{}
	}

	if err := shredFields(s.Fields, rec, 0, 0, scratch); err != nil {
		return err
	}

	if buf.Columns == nil {
		buf.Columns = make(map[string]*ColumnData, len(scratch))
	}
	for key, data := range scratch {
		dst, ok := buf.Columns[key]
		if !ok {
			dst = &ColumnData{}
			buf.Columns[key] = dst
		}
		dst.extend(data)
	}

	buf.RowCount++
	return nil
}

func shredFields(fields []*schema.Field, rec Record, rlvl, dlvl int, out map[string]*ColumnData) error {
	for _, f := range fields {
		var raw any
		if rec != nil {
			raw = rec[f.Name]
		}
		values := normalize(raw)

		if len(values) == 0 && rec != nil && f.IsRequired() {
			return &FieldError{Path: f.Key(), Err: ErrMissingRequiredField}
		}
		if len(values) > 1 && !f.IsRepeated() {
			return &FieldError{Path: f.Key(), Err: ErrTooManyValues}
		}

		// 値が無くても子孫の各列には空のエントリを1つ残す
		if len(values) == 0 {
			if f.IsGroup() {
				if err := shredFields(f.Fields, nil, rlvl, dlvl, out); err != nil {
					return err
				}
			} else {
				out[f.Key()].append(rlvl, dlvl, nil)
			}
			continue
		}

		for i, v := range values {
			rl := rlvl
			if i > 0 {
				rl = f.RLevelMax
			}

			if v == nil {
				return &FieldError{Path: f.Key(), Err: fmt.Errorf("%w: nil element at %d", types.ErrTypeCoercion, i)}
			}

			if f.IsGroup() {
				child, ok := v.(Record)
				if !ok {
					return &FieldError{Path: f.Key(), Err: fmt.Errorf("%w: group value is %T", types.ErrTypeCoercion, v)}
				}
				if err := shredFields(f.Fields, child, rl, f.DLevelMax, out); err != nil {
					return err
				}
				continue
			}

			pv, err := types.ToPrimitive(f.Type, v)
			if err != nil {
				return &FieldError{Path: f.Key(), Err: err}
			}
			out[f.Key()].append(rl, f.DLevelMax, &pv)
		}
	}

	return nil
}

// 値をスライスに揃える。[]byte はスカラーとして扱う
func normalize(v any) []any {
	if v == nil {
		return nil
	}
	if _, ok := v.([]byte); ok {
		return []any{v}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
