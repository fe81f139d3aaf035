package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/waterquality/internal/httputil"
	"github.com/lox/waterquality/internal/metrics"
)

// maxPayloadBytes bounds a fetched readings table.
const maxPayloadBytes = 64 << 20

// Source yields the raw bytes of a readings table.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	Scheme() string
	String() string
}

// ParseSource picks a source for raw by URL scheme. Plain paths and file://
// URLs read local files, http(s):// URLs are fetched with retries and ftp://
// URLs are retrieved with anonymous login unless credentials are given.
func ParseSource(raw string, client *http.Client) (Source, error) {
	if raw == "" {
		return nil, fmt.Errorf("parse source: empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		return &FileSource{Path: raw}, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + path
		}
		return &FileSource{Path: filepath.FromSlash(path)}, nil
	case "http", "https":
		if client == nil {
			client = httputil.NewClient(0)
		}
		return &HTTPSource{URL: raw, Client: client}, nil
	case "ftp":
		return newFTPSource(u), nil
	}
	return nil, fmt.Errorf("parse source: unsupported scheme %q", u.Scheme)
}

type FileSource struct {
	Path string
}

func (f *FileSource) Scheme() string { return "file" }
func (f *FileSource) String() string { return f.Path }

func (f *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(f.Path)
	observeFetch(f.Scheme(), time.Now(), err)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return body, nil
}

type HTTPSource struct {
	URL    string
	Client *http.Client
	// NewBackOff overrides the retry policy.
	NewBackOff func() backoff.BackOff
}

func (h *HTTPSource) Scheme() string { return "http" }
func (h *HTTPSource) String() string { return h.URL }

// Fetch downloads the table, retrying transport errors, 429 and 5xx
// responses. Other 4xx responses fail immediately.
func (h *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch %s: %w", h.URL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch %s: status %d", h.URL, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", h.URL, resp.StatusCode, strings.TrimSpace(string(b))))
		}

		body, err = readLimited(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	var bo backoff.BackOff
	if h.NewBackOff != nil {
		bo = h.NewBackOff()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 2 * time.Minute
		bo = exp
	}
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	observeFetch(h.Scheme(), start, err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

type FTPSource struct {
	Addr     string
	Path     string
	User     string
	Password string
	Timeout  time.Duration
}

func newFTPSource(u *url.URL) *FTPSource {
	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}
	src := &FTPSource{
		Addr:     addr,
		Path:     u.Path,
		User:     "anonymous",
		Password: "anonymous",
		Timeout:  30 * time.Second,
	}
	if u.User != nil {
		src.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			src.Password = pw
		}
	}
	return src
}

func (f *FTPSource) Scheme() string { return "ftp" }
func (f *FTPSource) String() string { return "ftp://" + f.Addr + f.Path }

func (f *FTPSource) Fetch(ctx context.Context) (body []byte, err error) {
	start := time.Now()
	defer func() { observeFetch(f.Scheme(), start, err) }()

	conn, err := ftp.Dial(f.Addr, ftp.DialWithTimeout(f.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(f.User, f.Password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(f.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	return readLimited(resp)
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, errors.New("read body: payload exceeds size limit")
	}
	return body, nil
}

func observeFetch(scheme string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SourceFetchesTotal.WithLabelValues(scheme, status).Inc()
	metrics.SourceFetchLatency.WithLabelValues(scheme).Observe(time.Since(start).Seconds())
}
