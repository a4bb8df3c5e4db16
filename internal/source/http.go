package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Range ヘッダーで部分取得する HTTP 上のファイル
type HTTP struct {
	url    string
	client *http.Client

	mu   sync.Mutex
	size int64
}

func NewHTTP(url string, timeout time.Duration) *HTTP {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTP{url: url, client: client, size: -1}
}

func (s *HTTP) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request range of %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status for range of %s: %s", s.url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %s: %w", s.url, err)
	}

	// Range を無視してファイル全体を返すサーバーもある
	if resp.StatusCode == http.StatusOK {
		if err := checkRange(offset, length, int64(len(body))); err != nil {
			return nil, err
		}
		body = body[offset : offset+length]
	}

	if int64(len(body)) != length {
		return nil, fmt.Errorf("short range of %s: got %d bytes, want %d: %w", s.url, len(body), length, io.ErrUnexpectedEOF)
	}
	return body, nil
}

// サイズは最初の呼び出しで HEAD して覚えておく
func (s *HTTP) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= 0 {
		return s.size, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build HEAD request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to HEAD %s: %w", s.url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status for HEAD %s: %s", s.url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("%s did not report Content-Length", s.url)
	}

	s.size = resp.ContentLength
	return s.size, nil
}

func (s *HTTP) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
