package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/source"
)

const (
	magic = "PAR1"

	// フッター長(4バイト)とマジックナンバー
	trailerLen = 4 + len(magic)

	supportedVersion = 1
)

// ファイル先頭と末尾のマジックナンバーを確かめ、フッターをデコードする
func OpenFooter(ctx context.Context, src source.Source) (*parquet.FileMetaData, error) {
	size, err := src.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get file size: %w", err)
	}
	if size < int64(len(magic)+trailerLen) {
		return nil, fmt.Errorf("%w: file is too small (%d bytes)", ErrInvalidFormat, size)
	}

	head, err := src.ReadAt(ctx, 0, int64(len(magic)))
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(head) != magic {
		return nil, fmt.Errorf("%w: bad leading magic %q", ErrInvalidFormat, head)
	}

	// ファイル末尾から8バイト戻った位置にフッター長とマジックナンバーがある
	trailer, err := src.ReadAt(ctx, size-int64(trailerLen), int64(trailerLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read trailer: %w", err)
	}
	if string(trailer[4:]) != magic {
		return nil, fmt.Errorf("%w: bad trailing magic %q", ErrInvalidFormat, trailer[4:])
	}

	footerLen := int64(binary.LittleEndian.Uint32(trailer[:4]))
	footerStart := size - int64(trailerLen) - footerLen
	if footerStart < int64(len(magic)) {
		return nil, fmt.Errorf("%w: footer length %d overruns file of %d bytes", ErrInvalidFormat, footerLen, size)
	}

	data, err := src.ReadAt(ctx, footerStart, footerLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}

	footer := parquet.NewFileMetaData()
	if _, err := decodeThrift(ctx, data, footer); err != nil {
		return nil, fmt.Errorf("%w: failed to decode footer: %v", ErrInvalidFormat, err)
	}

	if footer.Version != supportedVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, footer.Version)
	}

	return footer, nil
}

// Compact Protocol でデコードし、消費したバイト数を返す
func decodeThrift(ctx context.Context, data []byte, msg thrift.TStruct) (int, error) {
	buf := &thrift.TMemoryBuffer{Buffer: bytes.NewBuffer(data)}
	proto := thrift.NewTCompactProtocolConf(buf, &thrift.TConfiguration{})

	if err := msg.Read(ctx, proto); err != nil {
		return 0, err
	}
	return len(data) - buf.Len(), nil
}

func encodeThrift(ctx context.Context, msg thrift.TStruct) ([]byte, error) {
	ts := thrift.NewTSerializer()
	ts.Protocol = thrift.NewTCompactProtocolFactoryConf(&thrift.TConfiguration{}).GetProtocol(ts.Transport)

	b, err := ts.Write(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	return b, nil
}
