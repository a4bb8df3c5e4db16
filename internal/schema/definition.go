package schema

import (
	"fmt"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
)

// 書き込み用のスキーマ定義。Type が空ならグループとして Fields を持つ
type Definition struct {
	Name       string                      `json:"name"`
	Type       string                      `json:"type,omitempty"`
	Repetition parquet.FieldRepetitionType `json:"repetition"`
	Length     int32                       `json:"length,omitempty"`
	Scale      int32                       `json:"scale,omitempty"`
	Precision  int32                       `json:"precision,omitempty"`
	Fields     []Definition                `json:"fields,omitempty"`
}

// 定義からスキーマ木を作る。スキーマ要素列を経由するのでフッターから読む時と同じ木になる
func New(defs ...Definition) (*Schema, error) {
	root := parquet.NewSchemaElement()
	root.Name = "root"
	n := int32(len(defs))
	root.NumChildren = &n

	elements := []*parquet.SchemaElement{root}
	for _, def := range defs {
		var err error
		if elements, err = appendDefinition(elements, def); err != nil {
			return nil, err
		}
	}

	return FromElements(elements)
}

func appendDefinition(elements []*parquet.SchemaElement, def Definition) ([]*parquet.SchemaElement, error) {
	el := parquet.NewSchemaElement()
	el.Name = def.Name
	rep := def.Repetition
	el.RepetitionType = &rep

	if def.Type == "" {
		if len(def.Fields) == 0 {
			return nil, fmt.Errorf("group %s has no fields", def.Name)
		}

		children := int32(len(def.Fields))
		el.NumChildren = &children
		elements = append(elements, el)

		var err error
		for _, child := range def.Fields {
			if elements, err = appendDefinition(elements, child); err != nil {
				return nil, fmt.Errorf("group %s: %w", def.Name, err)
			}
		}
		return elements, nil
	}

	t, err := types.Lookup(def.Type, def.Length, def.Scale, def.Precision)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", def.Name, err)
	}

	physical := t.Physical
	el.Type = &physical
	el.ConvertedType = t.Converted
	if t.Length > 0 {
		length := t.Length
		el.TypeLength = &length
	}
	if t.Name == "DECIMAL" {
		scale, precision := t.Scale, t.Precision
		el.Scale = &scale
		el.Precision = &precision
	}

	return append(elements, el), nil
}
