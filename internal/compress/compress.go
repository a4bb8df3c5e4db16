package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	"github.com/andybalholm/brotli"
	"github.com/fraugster/parquet-go/parquet"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

var ErrUnsupportedCodec = errors.New("unsupported compression codec")

// ページ本体を展開する。uncompressedSize はページヘッダーに書かれた展開後のサイズ
func Decompress(codec parquet.CompressionCodec, data []byte, uncompressedSize int) ([]byte, error) {
	if uncompressedSize < 0 {
		return nil, fmt.Errorf("invalid uncompressed page size %d", uncompressedSize)
	}

	var out []byte
	var err error

	switch codec {
	case parquet.CompressionCodec_UNCOMPRESSED:
		return data, nil

	case parquet.CompressionCodec_SNAPPY:
		out, err = snappy.Decode(nil, data)

	case parquet.CompressionCodec_GZIP:
		var r *gzip.Reader
		if r, err = gzip.NewReader(bytes.NewReader(data)); err == nil {
			out, err = io.ReadAll(r)
			r.Close()
		}

	case parquet.CompressionCodec_ZSTD:
		out, err = zstd.Decompress(nil, data)

	case parquet.CompressionCodec_LZ4:
		out = make([]byte, uncompressedSize)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:max(n, 0)]

	case parquet.CompressionCodec_BROTLI:
		out, err = io.ReadAll(brotli.NewReader(bytes.NewReader(data)))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s page: %w", codec, err)
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("%s page decompressed to %d bytes, header says %d", codec, len(out), uncompressedSize)
	}

	return out, nil
}

func Compress(codec parquet.CompressionCodec, data []byte) ([]byte, error) {
	switch codec {
	case parquet.CompressionCodec_UNCOMPRESSED:
		return data, nil

	case parquet.CompressionCodec_SNAPPY:
		return snappy.Encode(nil, data), nil

	case parquet.CompressionCodec_GZIP:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to gzip page: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip page: %w", err)
		}
		return buf.Bytes(), nil

	case parquet.CompressionCodec_ZSTD:
		out, err := zstd.Compress(nil, data)
		if err != nil {
			return nil, fmt.Errorf("failed to zstd page: %w", err)
		}
		return out, nil

	case parquet.CompressionCodec_LZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to lz4 page: %w", err)
		}
		if n == 0 && len(data) > 0 {
			return nil, fmt.Errorf("failed to lz4 page: incompressible input of %d bytes", len(data))
		}
		return out[:n], nil

	case parquet.CompressionCodec_BROTLI:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to brotli page: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to brotli page: %w", err)
		}
		return buf.Bytes(), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
}

// 名前から圧縮形式を引く。設定ファイルやコマンドラインからの指定用
func Parse(name string) (parquet.CompressionCodec, error) {
	codec, err := parquet.CompressionCodecFromString(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedCodec, name)
	}
	return codec, nil
}
