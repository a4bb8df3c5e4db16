package encoding

import (
	"testing"

	"github.com/fraugster/parquet-go/parquet"
	"github.com/murakmii/dremel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int32Values(ns ...int32) []types.Value {
	values := make([]types.Value, len(ns))
	for i, n := range ns {
		values[i] = types.Int32Value(n)
	}
	return values
}

func int64Values(ns ...int64) []types.Value {
	values := make([]types.Value, len(ns))
	for i, n := range ns {
		values[i] = types.Int64Value(n)
	}
	return values
}

func assertValues(t *testing.T, want, got []types.Value) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, types.Equal(want[i], got[i]), "value %d: want %s, got %s", i, want[i], got[i])
	}
}

func TestRLEKnownBytes(t *testing.T) {
	// 3 を 10 個のラン、続いて 0..7 のビットパッキング1グループ(ビット幅3)
	data := []byte{
		10 << 1, 3,
		1<<1 | 1, 0x88, 0xc6, 0xfa,
	}

	levels, err := DecodeLevels(parquet.Encoding_RLE, NewCursor(data), 18, 3, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 0, 1, 2, 3, 4, 5, 6, 7}, levels)
}

func TestRLERoundTrip(t *testing.T) {
	levels := []int32{0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 0, 2, 1, 0, 0, 0}
	for _, envelope := range []bool{false, true} {
		encoded, err := EncodeLevels(parquet.Encoding_RLE, levels, 2, !envelope)
		require.NoError(t, err)

		// 後続のバイトを読まないことを確かめるため末尾にゴミを足す
		cur := NewCursor(append(encoded, 0xff, 0xff))
		decoded, err := DecodeLevels(parquet.Encoding_RLE, cur, len(levels), 2, !envelope)
		require.NoError(t, err)
		assert.Equal(t, levels, decoded)
		assert.Equal(t, len(encoded), cur.Offset())
	}
}

func TestRLEBoolean(t *testing.T) {
	values := []types.Value{types.BooleanValue(true), types.BooleanValue(false), types.BooleanValue(true)}
	opts := Options{Type: parquet.Type_BOOLEAN}

	encoded, err := Encode(parquet.Encoding_RLE, values, opts)
	require.NoError(t, err)

	decoded, err := Decode(parquet.Encoding_RLE, NewCursor(encoded), 3, opts)
	require.NoError(t, err)
	assertValues(t, values, decoded)
}

func TestBitPacked(t *testing.T) {
	// MSB から 0..7 をビット幅3で詰めた値
	data := []byte{0x05, 0x39, 0x77}

	levels, err := DecodeLevels(parquet.Encoding_BIT_PACKED, NewCursor(data), 8, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, levels)

	encoded, err := EncodeLevels(parquet.Encoding_BIT_PACKED, levels, 3, false)
	require.NoError(t, err)
	assert.Equal(t, data, encoded)
}

func TestPlainRoundTrip(t *testing.T) {
	cases := []struct {
		opts   Options
		values []types.Value
	}{
		{Options{Type: parquet.Type_BOOLEAN}, []types.Value{types.BooleanValue(true), types.BooleanValue(false), types.BooleanValue(true)}},
		{Options{Type: parquet.Type_INT32}, int32Values(1, -2, 3)},
		{Options{Type: parquet.Type_INT64}, int64Values(1<<40, -7)},
		{Options{Type: parquet.Type_INT96}, []types.Value{types.Int96Value([12]byte{1, 2, 3})}},
		{Options{Type: parquet.Type_FLOAT}, []types.Value{types.FloatValue(1.25)}},
		{Options{Type: parquet.Type_DOUBLE}, []types.Value{types.DoubleValue(-3.5)}},
		{Options{Type: parquet.Type_BYTE_ARRAY}, []types.Value{types.ByteArrayValue([]byte("apples")), types.ByteArrayValue(nil)}},
		{Options{Type: parquet.Type_FIXED_LEN_BYTE_ARRAY, TypeLength: 2}, []types.Value{types.FixedLenByteArrayValue([]byte{9, 8})}},
	}

	for _, c := range cases {
		encoded, err := Encode(parquet.Encoding_PLAIN, c.values, c.opts)
		require.NoError(t, err, c.opts.Type)

		cur := NewCursor(encoded)
		decoded, err := Decode(parquet.Encoding_PLAIN, cur, len(c.values), c.opts)
		require.NoError(t, err, c.opts.Type)
		assert.Zero(t, cur.Len(), c.opts.Type)

		if c.opts.Type == parquet.Type_BYTE_ARRAY {
			// 長さ0の値は nil と空スライスの区別を持たない
			assert.Equal(t, "apples", string(decoded[0].ByteArray()))
			assert.Empty(t, decoded[1].ByteArray())
			continue
		}
		assertValues(t, c.values, decoded)
	}
}

func TestPlainShortInput(t *testing.T) {
	_, err := Decode(parquet.Encoding_PLAIN, NewCursor([]byte{1, 2, 3}), 1, Options{Type: parquet.Type_INT64})
	require.Error(t, err)
}

func TestDeltaRoundTrip(t *testing.T) {
	var ns []int64
	for i := 0; i < 300; i++ {
		ns = append(ns, int64(i*i)-int64(i%7)*1000)
	}
	ns = append(ns, -1<<62, 1<<62)

	for _, physical := range []parquet.Type{parquet.Type_INT64, parquet.Type_INT32} {
		values := int64Values(ns...)
		if physical == parquet.Type_INT32 {
			values = int32Values(1, 5, -3, 100000, -100000, 7, 7, 7)
		}
		opts := Options{Type: physical}

		encoded, err := Encode(parquet.Encoding_DELTA_BINARY_PACKED, values, opts)
		require.NoError(t, err)

		cur := NewCursor(encoded)
		decoded, err := Decode(parquet.Encoding_DELTA_BINARY_PACKED, cur, len(values), opts)
		require.NoError(t, err)
		assertValues(t, values, decoded)
		assert.Zero(t, cur.Len())
	}
}

func TestDeltaSingleValue(t *testing.T) {
	opts := Options{Type: parquet.Type_INT64}
	encoded, err := Encode(parquet.Encoding_DELTA_BINARY_PACKED, int64Values(42), opts)
	require.NoError(t, err)

	decoded, err := Decode(parquet.Encoding_DELTA_BINARY_PACKED, NewCursor(encoded), 1, opts)
	require.NoError(t, err)
	assertValues(t, int64Values(42), decoded)
}

func TestMalformedCounts(t *testing.T) {
	opts := Options{Type: parquet.Type_INT32}

	_, err := Decode(parquet.Encoding_PLAIN, NewCursor(nil), -1, opts)
	assert.Error(t, err)

	// 数バイトの入力に巨大な件数が書かれていても、読み切れずにエラーになる
	_, err = Decode(parquet.Encoding_PLAIN, NewCursor([]byte{1, 2, 3, 4}), 1<<30, opts)
	assert.Error(t, err)

	// 2^39 グループのビットパッキングを名乗るラン
	_, err = DecodeLevels(parquet.Encoding_RLE, NewCursor([]byte{0x81, 0x80, 0x80, 0x80, 0x80, 0x20, 0}), 1<<30, 1, true)
	assert.Error(t, err)

	// ブロックサイズ 2^40、値 2^40 個を名乗る DELTA ヘッダー
	huge := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x20}
	delta := append(append(append([]byte{}, huge...), 4), huge...)
	delta = append(delta, 0)
	_, err = Decode(parquet.Encoding_DELTA_BINARY_PACKED, NewCursor(delta), 4, opts)
	assert.Error(t, err)
}

func TestUnsupportedEncoding(t *testing.T) {
	_, err := Decode(parquet.Encoding_PLAIN_DICTIONARY, NewCursor(nil), 1, Options{Type: parquet.Type_INT32})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = DecodeLevels(parquet.Encoding(99), NewCursor(nil), 1, 1, false)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestCursor(t *testing.T) {
	cur := NewCursor([]byte{0x96, 0x01, 1, 0, 0, 0, 0xaa})

	v, err := cur.Uvarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(150), v)

	n, err := cur.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	assert.Equal(t, 1, cur.Len())
	_, err = cur.Next(2)
	assert.Error(t, err)
	assert.Equal(t, []byte{0xaa}, cur.Rest())
	assert.Zero(t, cur.Len())
}
