package types

import (
	"bytes"
	"cmp"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 論理値の順序。nil は最後に並び、型の異なる数値は float64 として比べる
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	switch x := a.(type) {
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case int32:
		if y, ok := b.(int32); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case uint32:
		if y, ok := b.(uint32); ok {
			return cmp.Compare(x, y)
		}
	case uint64:
		if y, ok := b.(uint64); ok {
			return cmp.Compare(x, y)
		}
	case float32:
		if y, ok := b.(float32); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			return cmp.Compare(x, y)
		}
	case decimal.Decimal:
		if y, err := toDecimal(b); err == nil {
			return x.Cmp(y)
		}
	}

	if y, ok := b.(decimal.Decimal); ok {
		if x, err := toDecimal(a); err == nil {
			return x.Cmp(y)
		}
	}

	xf, errA := toFloat64(a)
	yf, errB := toFloat64(b)
	if errA == nil && errB == nil {
		return cmp.Compare(xf, yf)
	}

	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// 物理値を t の論理値として比べる。符号なし整数や DECIMAL の列はこちらを使う
func CompareValues(t *Type, a, b Value) int {
	x, errA := FromPrimitive(t, a)
	y, errB := FromPrimitive(t, b)
	if errA != nil || errB != nil {
		return bytes.Compare(StatBytes(a), StatBytes(b))
	}
	return Compare(x, y)
}
