package compress

import (
	"bytes"
	"testing"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("apples and oranges "), 64)

	for _, codec := range []parquet.CompressionCodec{
		parquet.CompressionCodec_UNCOMPRESSED,
		parquet.CompressionCodec_SNAPPY,
		parquet.CompressionCodec_GZIP,
		parquet.CompressionCodec_ZSTD,
		parquet.CompressionCodec_LZ4,
		parquet.CompressionCodec_BROTLI,
	} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := Compress(codec, data)
			require.NoError(t, err)

			out, err := Decompress(codec, compressed, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestSizeMismatch(t *testing.T) {
	compressed, err := Compress(parquet.CompressionCodec_SNAPPY, []byte("hello"))
	require.NoError(t, err)

	_, err = Decompress(parquet.CompressionCodec_SNAPPY, compressed, 3)
	assert.Error(t, err)

	compressed, err = Compress(parquet.CompressionCodec_LZ4, []byte("hello"))
	require.NoError(t, err)
	_, err = Decompress(parquet.CompressionCodec_LZ4, compressed, -1)
	assert.Error(t, err)
}

func TestUnsupported(t *testing.T) {
	_, err := Decompress(parquet.CompressionCodec_LZO, []byte{1}, 1)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	_, err = Compress(parquet.CompressionCodec_LZO, []byte{1})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	_, err = Parse("NOPE")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	codec, err := Parse("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, parquet.CompressionCodec_ZSTD, codec)
}

func TestCorruptInput(t *testing.T) {
	_, err := Decompress(parquet.CompressionCodec_GZIP, []byte("not gzip"), 8)
	assert.Error(t, err)
}
