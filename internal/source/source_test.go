package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var content = []byte("PAR1 some payload bytes PAR1")

func testSource(t *testing.T, s Source) {
	t.Helper()
	ctx := context.Background()

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	b, err := s.ReadAt(ctx, 5, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("some"), b)

	b, err = s.ReadAt(ctx, size-4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("PAR1"), b)

	b, err = s.ReadAt(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, b)

	require.NoError(t, s.Close())
}

func TestBuffer(t *testing.T) {
	testSource(t, NewBuffer(content))

	_, err := NewBuffer(content).ReadAt(context.Background(), 20, 100)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	f, err := OpenFile(path)
	require.NoError(t, err)
	testSource(t, f)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestHTTP(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		http.ServeContent(w, r, "data.parquet", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, 5*time.Second)
	_, err := s.Size(context.Background())
	require.NoError(t, err)
	testSource(t, s)

	// サイズは1度だけ問い合わせる
	assert.Equal(t, int32(1), heads.Load())
}

func TestHTTPIgnoringRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	b, err := NewHTTP(srv.URL, time.Second).ReadAt(context.Background(), 5, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("some"), b)
}

func TestHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second)
	_, err := s.ReadAt(context.Background(), 0, 4)
	assert.Error(t, err)

	_, err = s.Size(context.Background())
	assert.Error(t, err)
}
