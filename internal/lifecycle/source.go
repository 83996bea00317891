package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"
)

var ErrSourceMissing = errors.New("worker manifest source not found")

// Source provides the raw manifest document.
type Source interface {
	// Stat returns ErrSourceMissing when there is nothing to load.
	Stat(ctx context.Context) error
	Load(ctx context.Context) ([]byte, error)
	String() string
}

// NewSource picks an HTTP source for http(s) locations and a file source otherwise.
func NewSource(location string) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPSource(location, nil)
	}
	return NewFileSource(location)
}

type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Stat(context.Context) error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceMissing, s.path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSourceMissing, s.path)
	}
	return nil
}

func (s *FileSource) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, s.path)
	}
	return data, err
}

func (s *FileSource) String() string { return s.path }

type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) Stat(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodHead)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *HTTPSource) Load(ctx context.Context) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *HTTPSource) String() string { return s.url }

func (s *HTTPSource) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrSourceMissing, s.url, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("manifest source %s returned %d", s.url, resp.StatusCode)
	}
	return resp, nil
}
