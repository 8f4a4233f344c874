package configuration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"crvs/pkg/platform/sentinel"
)

// Source fetches the raw configuration document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// maxDocumentSize bounds a configuration document read from the network.
const maxDocumentSize = 8 << 20

// HTTPSource reads GET {baseURL}/events from the country-config service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSource builds an HTTP source. A zero timeout defaults to 5s.
func NewHTTPSource(baseURL string, client *http.Client, timeout time.Duration) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client, timeout: timeout}
}

// Fetch downloads the document. Transport failures and timeouts wrap
// sentinel.ErrUnavailable.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch event configuration: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch event configuration: status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read event configuration: %w: %w", sentinel.ErrUnavailable, err)
	}
	return body, nil
}

// FileSource reads the document from a local JSON file.
type FileSource struct {
	path string
}

// NewFileSource builds a file source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch reads the file.
func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("event configuration file %s: %w", s.path, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read event configuration file: %w", err)
	}
	return data, nil
}

// StaticSource serves a fixed document; used by tests and embedded setups.
type StaticSource []byte

// Fetch returns the document.
func (s StaticSource) Fetch(_ context.Context) ([]byte, error) {
	return []byte(s), nil
}
