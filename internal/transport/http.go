package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/sdsync/internal/retry"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Client    *http.Client // nil uses a client without an overall timeout
	UserAgent string
}

// HTTPSource serves the manifest at its base URL and each file at the base
// URL followed by the escaped manifest name.
type HTTPSource struct {
	base   *url.URL
	client *http.Client
	ua     string
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source rooted at base.
func NewHTTPSource(base *url.URL, opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		// Stall detection bounds transfers; an overall timeout would cut off
		// large archives on slow links.
		client = &http.Client{}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "sdsync"
	}
	return &HTTPSource{base: base, client: client, ua: ua}
}

func (s *HTTPSource) OpenManifest(ctx context.Context) (Stream, error) {
	return s.get(ctx, s.base.String(), "manifest")
}

func (s *HTTPSource) Open(ctx context.Context, name string) (Stream, error) {
	return s.get(ctx, s.FileURL(name), name)
}

func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// FileURL returns the URL a manifest name is fetched from.
func (s *HTTPSource) FileURL(name string) string {
	base := s.base.String()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + EscapeName(cleanName(name))
}

func (s *HTTPSource) get(ctx context.Context, rawURL, name string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Stream{}, fetchError(name, err)
	}
	req.Header.Set("User-Agent", s.ua)
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return Stream{}, retry.Retryable(fetchError(name, err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fetchError(name, fmt.Errorf("HTTP %s", resp.Status))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return Stream{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return Stream{}, retry.Retryable(err)
		default:
			return Stream{}, err
		}
	}

	body, size, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return Stream{}, fetchError(name, err)
	}
	return Stream{ReadCloser: body, Size: size}, nil
}

// decodeBody undoes Content-Encoding. Encoded bodies report an unknown size.
func decodeBody(resp *http.Response) (io.ReadCloser, int64, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, resp.ContentLength, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("zstd: %w", err)
		}
		return &decodedBody{Reader: dec, close: func() error { dec.Close(); return resp.Body.Close() }}, -1, nil
	case "gzip":
		dec, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: dec, close: func() error { dec.Close(); return resp.Body.Close() }}, -1, nil
	default:
		return nil, 0, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

type decodedBody struct {
	io.Reader
	close func() error
}

func (d *decodedBody) Close() error { return d.close() }

// EscapeName percent-encodes a manifest name for use in a URL path. Path
// separators and RFC 3986 unreserved characters are kept as-is.
func EscapeName(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
