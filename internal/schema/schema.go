package schema

import (
	"fmt"
	"strings"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

type (
	// スキーマ木の1ノード。Type が nil ならグループ
	Field struct {
		Name       string                      `json:"name"`
		Path       []string                    `json:"path"`
		Repetition parquet.FieldRepetitionType `json:"repetition"`
		Type       *types.Type                 `json:"type,omitempty"`
		RLevelMax  int                         `json:"r_level_max"`
		DLevelMax  int                         `json:"d_level_max"`
		Fields     []*Field                    `json:"fields,omitempty"`
	}

	Schema struct {
		Fields []*Field `json:"fields"`

		byKey  map[string]*Field
		leaves []*Field
	}

	// 平坦なスキーマ要素列を木に戻す際の、子を集めている途中のグループ
	frame struct {
		parent   *Field
		fields   *[]*Field
		expected int
	}
)

func (f *Field) IsGroup() bool {
	return f.Type == nil
}

func (f *Field) IsRepeated() bool {
	return f.Repetition == parquet.FieldRepetitionType_REPEATED
}

func (f *Field) IsRequired() bool {
	return f.Repetition == parquet.FieldRepetitionType_REQUIRED
}

// "a.b.c" 形式の列パス
func (f *Field) Key() string {
	return strings.Join(f.Path, ".")
}

// フッターのスキーマ要素列(先頭はルート)からスキーマ木を組み立てる
func FromElements(elements []*parquet.SchemaElement) (*Schema, error) {
	if len(elements) == 0 {
		return nil, fmt.Errorf("schema has no root element")
	}

	s := &Schema{}
	stack := []*frame{{fields: &s.Fields, expected: int(elements[0].GetNumChildren())}}
	stack = popFilled(stack)

	for i, el := range elements[1:] {
		if len(stack) == 0 {
			return nil, fmt.Errorf("schema element %d (%s) exceeds declared children", i+1, el.Name)
		}
		top := stack[len(stack)-1]

		f := &Field{Name: el.Name, Repetition: parquet.FieldRepetitionType_REQUIRED}
		if el.RepetitionType != nil {
			f.Repetition = *el.RepetitionType
		}

		// 親の各レベル最大値を引き継ぎ、自身の繰り返し種別で加算する
		if top.parent != nil {
			f.Path = append(append([]string{}, top.parent.Path...), el.Name)
			f.RLevelMax = top.parent.RLevelMax
			f.DLevelMax = top.parent.DLevelMax
		} else {
			f.Path = []string{el.Name}
		}
		if f.IsRepeated() {
			f.RLevelMax++
		}
		if !f.IsRequired() {
			f.DLevelMax++
		}

		*top.fields = append(*top.fields, f)

		if n := int(el.GetNumChildren()); n > 0 {
			stack = append(stack, &frame{parent: f, fields: &f.Fields, expected: n})
		} else {
			if el.Type == nil {
				return nil, fmt.Errorf("schema element %s has neither type nor children", f.Key())
			}
			f.Type = types.FromElement(*el.Type, el.ConvertedType, el.GetTypeLength(), el.GetScale(), el.GetPrecision())
		}

		stack = popFilled(stack)
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("schema is truncated: %d group(s) still expecting children", len(stack))
	}

	s.index()
	return s, nil
}

// 宣言された子の数が揃ったグループを閉じる
func popFilled(stack []*frame) []*frame {
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if len(*top.fields) < top.expected {
			break
		}
		stack = stack[:len(stack)-1]
	}
	return stack
}

func (s *Schema) index() {
	s.byKey = make(map[string]*Field)
	s.leaves = nil

	var walk func(fields []*Field)
	walk = func(fields []*Field) {
		for _, f := range fields {
			s.byKey[f.Key()] = f
			if f.IsGroup() {
				walk(f.Fields)
			} else {
				s.leaves = append(s.leaves, f)
			}
		}
	}
	walk(s.Fields)
}

// ドット区切りのパスでフィールドを探す
func (s *Schema) Find(key string) *Field {
	return s.byKey[key]
}

// 列順(スキーマの先行順)に並んだ葉フィールド
func (s *Schema) Leaves() []*Field {
	return s.leaves
}

// ルート直下から f 自身までの祖先列
func (s *Schema) Branch(f *Field) []*Field {
	branch := make([]*Field, 0, len(f.Path))
	for i := range f.Path {
		branch = append(branch, s.byKey[strings.Join(f.Path[:i+1], ".")])
	}
	return branch
}

// スキーマ木をフッターに書き込む平坦な要素列に戻す
func (s *Schema) Elements() []*parquet.SchemaElement {
	root := parquet.NewSchemaElement()
	root.Name = "root"
	n := int32(len(s.Fields))
	root.NumChildren = &n

	elements := []*parquet.SchemaElement{root}

	var walk func(fields []*Field)
	walk = func(fields []*Field) {
		for _, f := range fields {
			el := parquet.NewSchemaElement()
			el.Name = f.Name
			rep := f.Repetition
			el.RepetitionType = &rep

			if f.IsGroup() {
				children := int32(len(f.Fields))
				el.NumChildren = &children
				elements = append(elements, el)
				walk(f.Fields)
				continue
			}

			physical := f.Type.Physical
			el.Type = &physical
			el.ConvertedType = f.Type.Converted
			if f.Type.Length > 0 {
				length := f.Type.Length
				el.TypeLength = &length
			}
			if f.Type.Name == "DECIMAL" {
				scale, precision := f.Type.Scale, f.Type.Precision
				el.Scale = &scale
				el.Precision = &precision
			}
			elements = append(elements, el)
		}
	}
	walk(s.Fields)

	return elements
}
