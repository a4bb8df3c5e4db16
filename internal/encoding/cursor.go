package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ページ内のヘッダー、レベル、値を順に読み進めるための前進専用カーソル
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// 次の n バイトを返し、その分だけ読み進める
func (c *Cursor) Next(n int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.buf) {
		return nil, fmt.Errorf("failed to read %d bytes at offset %d: %w", n, c.off, io.ErrUnexpectedEOF)
	}

	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *Cursor) ReadByte() (byte, error) {
	if c.off >= len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}

	b := c.buf[c.off]
	c.off++
	return b, nil
}

func (c *Cursor) Uvarint() (uint64, error) {
	v, err := binary.ReadUvarint(c)
	if err != nil {
		return 0, fmt.Errorf("failed to read ULEB128 at offset %d: %w", c.off, err)
	}
	return v, nil
}

// zigzag 符号化された可変長整数
func (c *Cursor) Varint() (int64, error) {
	v, err := binary.ReadVarint(c)
	if err != nil {
		return 0, fmt.Errorf("failed to read zigzag varint at offset %d: %w", c.off, err)
	}
	return v, nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) Offset() int {
	return c.off
}

func (c *Cursor) Len() int {
	return len(c.buf) - c.off
}

// count 個の要素を読む前に確保する容量。1バイトあたり perByte 個を上限に、残りのバイト数で抑える
func (c *Cursor) capacity(count, perByte int) int {
	return max(min(count, c.Len()*perByte), 0)
}

// 残り全てを返し、末尾まで読み進める
func (c *Cursor) Rest() []byte {
	b := c.buf[c.off:]
	c.off = len(c.buf)
	return b
}
