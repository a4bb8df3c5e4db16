package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/murakmii/dremel/internal/types"
)

const (
	lanes      = 8
	blockBytes = lanes * 4

	maxBytes = 128 << 20
)

var salt = [lanes]uint32{
	0x47b6137b,
	0x44974d91,
	0x8824ad5b,
	0xa2b7289d,
	0x705495c7,
	0x2df1424b,
	0x9efc4947,
	0x5c6bfb31,
}

type (
	block [lanes]uint32

	// 分割ブロック型のブルームフィルタ。偽陽性はあり得るが偽陰性は無い
	Filter struct {
		blocks []block
	}
)

// z 個のブロックを持つフィルタ
func New(z int) *Filter {
	return &Filter{blocks: make([]block, max(z, 1))}
}

// 異なり数 ndv を偽陽性率 fpp 以下で保持できる大きさのフィルタ
func NewOptimal(ndv int, fpp float64) *Filter {
	bits := -8 * float64(ndv) / math.Log(1-math.Pow(fpp, 1.0/8))
	size := int(math.Ceil(bits / 8))
	size = min(max(size, blockBytes), maxBytes)
	return New((size + blockBytes - 1) / blockBytes)
}

// 各レーンに1ビットずつ立てた指紋
func mask(x uint32) (b block) {
	for i := range b {
		b[i] = 1 << ((x * salt[i]) >> 27)
	}
	return b
}

func (f *Filter) blockIndex(h uint64) int {
	return int(((h >> 32) * uint64(len(f.blocks))) >> 32)
}

func (f *Filter) Insert(h uint64) {
	b := &f.blocks[f.blockIndex(h)]
	m := mask(uint32(h))
	for i := range b {
		b[i] |= m[i]
	}
}

func (f *Filter) Check(h uint64) bool {
	b := &f.blocks[f.blockIndex(h)]
	m := mask(uint32(h))
	for i := range b {
		if b[i]&m[i] != m[i] {
			return false
		}
	}
	return true
}

// 統計値と同じ PLAIN 表現を xxHash64 でハッシュする
func Hash(v types.Value) uint64 {
	return xxhash.Sum64(types.StatBytes(v))
}

func (f *Filter) InsertValue(v types.Value) {
	f.Insert(Hash(v))
}

func (f *Filter) CheckValue(v types.Value) bool {
	return f.Check(Hash(v))
}

func (f *Filter) NumBlocks() int {
	return len(f.blocks)
}

// ブロック毎に32ビット語をリトルエンディアンで並べたバイト列
func (f *Filter) Bytes() []byte {
	out := make([]byte, 0, len(f.blocks)*blockBytes)
	for _, b := range f.blocks {
		for _, w := range b {
			out = binary.LittleEndian.AppendUint32(out, w)
		}
	}
	return out
}

func FromBytes(data []byte) (*Filter, error) {
	if len(data) == 0 || len(data)%blockBytes != 0 {
		return nil, fmt.Errorf("bloom filter size %d is not a positive multiple of %d", len(data), blockBytes)
	}

	f := &Filter{blocks: make([]block, len(data)/blockBytes)}
	for i := range f.blocks {
		for j := range f.blocks[i] {
			f.blocks[i][j] = binary.LittleEndian.Uint32(data[i*blockBytes+j*4:])
		}
	}
	return f, nil
}
