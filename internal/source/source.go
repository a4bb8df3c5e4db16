package source

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ファイル本体を範囲指定で読むための抽象。
// 全ての実装は複数のゴルーチンから同時に ReadAt されても安全でなければならない
type Source interface {
	ReadAt(ctx context.Context, offset, length int64) ([]byte, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}

func checkRange(offset, length, size int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("range [%d, %d) is outside of %d bytes: %w", offset, offset+length, size, io.ErrUnexpectedEOF)
	}
	return nil
}

type File struct {
	f    *os.File
	size int64
}

func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &File{f: f, size: stat.Size()}, nil
}

func (s *File) ReadAt(_ context.Context, offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length, s.size); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read file(offset: %d, size: %d): %w", offset, length, err)
	}
	return buf, nil
}

func (s *File) Size(context.Context) (int64, error) {
	return s.size, nil
}

func (s *File) Close() error {
	return s.f.Close()
}

// メモリ上のバイト列
type Buffer struct {
	data []byte
}

func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (s *Buffer) ReadAt(_ context.Context, offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length, int64(len(s.data))); err != nil {
		return nil, err
	}
	return s.data[offset : offset+length], nil
}

func (s *Buffer) Size(context.Context) (int64, error) {
	return int64(len(s.data)), nil
}

func (s *Buffer) Close() error {
	return nil
}
