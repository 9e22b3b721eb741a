// Package fetch downloads web resources for the read_page and
// download_document tools. HTML pages are reduced to readable text,
// preferring the readability article extractor and falling back to a
// plain DOM walk when it finds nothing.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"

	"github.com/lynexus/lynexus-agent/internal/buildinfo"
	"github.com/lynexus/lynexus-agent/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size read by Fetch (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxDownloadBytes caps Download (100 MB).
const DefaultMaxDownloadBytes int64 = 100 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 50000

// Transient dial failures are retried this many times.
const (
	retryCount = 2
	retryDelay = 500 * time.Millisecond
)

// UserAgent is sent with every fetch. Some sites refuse clients that do
// not look like a browser.
func UserAgent() string {
	return "Mozilla/5.0 (compatible; " + buildinfo.UserAgent() + ")"
}

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Extractor   string `json:"extractor,omitempty"`
	Links       []Link `json:"links,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client           *http.Client
	maxBytes         int64
	maxDownloadBytes int64
}

// New creates a Fetcher. A timeout of zero selects DefaultTimeout.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithUserAgent(UserAgent()),
		httpkit.WithHeader("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8"),
		httpkit.WithRetry(retryCount, retryDelay),
	)
	return &Fetcher{
		client:           client,
		maxBytes:         DefaultMaxBytes,
		maxDownloadBytes: DefaultMaxDownloadBytes,
	}
}

// Fetch downloads the URL and extracts readable text content.
// maxChars limits the output length; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d: %s", rawURL, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	result := &Result{
		URL:         rawURL,
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(contentType):
		extractPage(result, body, resp.Request.URL)
	case isPlainText(contentType) || utf8.Valid(body):
		result.Content = string(body)
		result.Extractor = "raw"
	default:
		result.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
		result.Length = len(body)
		return result, nil
	}

	if utf8.RuneCountInString(result.Content) > maxChars {
		result.Content = truncateUTF8(result.Content, maxChars)
		result.Truncated = true
	}
	result.Length = len(result.Content)
	return result, nil
}

// extractPage fills in the title, text and links of an HTML page. The
// text comes from readability when it finds an article and from the DOM
// walk otherwise; links and a missing title always come from the walk.
func extractPage(r *Result, body []byte, pageURL *url.URL) {
	p := extractHTML(string(body), pageURL)
	r.Title, r.Content, r.Links, r.Extractor = p.title, p.text, p.links, "dom"

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return
	}
	if text := cleanWhitespace(article.TextContent); text != "" {
		r.Content = text
		r.Extractor = "readability"
		if t := strings.TrimSpace(article.Title); t != "" {
			r.Title = t
		}
	}
}

// Download saves the resource at rawURL to dest, creating parent
// directories. Only http and https URLs are accepted. It returns the
// number of bytes written.
func (f *Fetcher) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	return f.DownloadWith(ctx, rawURL, dest, nil)
}

// DownloadWith is Download with extra request headers, such as a
// session Cookie.
func (f *Fetcher) DownloadWith(ctx context.Context, rawURL, dest string, header http.Header) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("only http and https URLs can be downloaded, got %q", u.Scheme)
	}
	if u.Host == "" {
		return 0, errors.New("url has no host")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("download %s: HTTP %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temp file and rename so a failed download never leaves
	// a partial file at dest.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxDownloadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if n > f.maxDownloadBytes {
		return 0, fmt.Errorf("download %s: exceeds %d bytes", rawURL, f.maxDownloadBytes)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	return n, nil
}

// FileNameFromURL returns the last path segment of rawURL, or
// "download" when there is none.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateUTF8 truncates a string to maxChars runes.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
