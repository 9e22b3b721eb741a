package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lynexus/lynexus-agent/internal/fetch"
)

// defaultSearchResults is search_baidu's result count when none is given.
const defaultSearchResults = 5

// WebConfig configures [WebTools].
type WebConfig struct {
	// DownloadDir receives downloads given no save path.
	DownloadDir string
	// SearchURL is the results page template for search_baidu, with
	// {query} and {max} placeholders. Empty disables the tool.
	SearchURL string
}

// WebTools exposes page reading, web search and downloads.
type WebTools struct {
	fetcher *fetch.Fetcher
	files   *FileTools
	cfg     WebConfig
}

// NewWebTools creates web tools. Every save path must resolve inside the
// file tools' workspace; without a workspace only read_page and
// search_baidu are offered.
func NewWebTools(fetcher *fetch.Fetcher, files *FileTools, cfg WebConfig) *WebTools {
	return &WebTools{fetcher: fetcher, files: files, cfg: cfg}
}

// ReadPage fetches a URL and returns its readable text followed by the
// page's links, so the model can navigate further.
func (w *WebTools) ReadPage(ctx context.Context, url string, maxChars int) (string, error) {
	res, err := w.fetcher.Fetch(ctx, url, maxChars)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if res.Title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", res.Title)
	}
	sb.WriteString(res.Content)
	if res.Truncated {
		sb.WriteString("\n\n[... truncated ...]")
	}
	if len(res.Links) > 0 {
		sb.WriteString("\n\nLinks:\n")
		for _, l := range res.Links {
			text := l.Text
			if text == "" {
				text = l.URL
			}
			fmt.Fprintf(&sb, "- [%s](%s)\n", text, l.URL)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// DownloadDocument saves url to savePath. An empty savePath uses the
// URL's file name inside the download directory.
func (w *WebTools) DownloadDocument(ctx context.Context, url, savePath string) (string, error) {
	if w.files == nil || !w.files.Enabled() {
		return "", errors.New("downloads require a workspace")
	}
	if savePath == "" {
		dir := w.cfg.DownloadDir
		if dir == "" {
			dir = "downloads"
		}
		savePath = filepath.Join(dir, fetch.FileNameFromURL(url))
	}
	dest, err := w.files.resolvePath(savePath)
	if err != nil {
		return "", err
	}
	n, err := w.fetcher.Download(ctx, url, dest)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Downloaded %d bytes to %s", n, savePath), nil
}

// Search reads the search results page for query.
func (w *WebTools) Search(ctx context.Context, query string, maxResults int) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("search query cannot be empty")
	}
	if w.cfg.SearchURL == "" {
		return "", errors.New("no search URL configured")
	}
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}
	target := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{max}", strconv.Itoa(maxResults),
	).Replace(w.cfg.SearchURL)

	page, err := w.ReadPage(ctx, target, 0)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", query, err)
	}
	return fmt.Sprintf("Search: %s\nURL: %s\n\n%s", query, target, page), nil
}

// SaveWebpage saves the raw source of url to savePath, sending cookie
// with the request so pages behind a login can be captured.
func (w *WebTools) SaveWebpage(ctx context.Context, url, savePath, cookie string) (string, error) {
	if w.files == nil || !w.files.Enabled() {
		return "", errors.New("saving pages requires a workspace")
	}
	if strings.TrimSpace(savePath) == "" {
		return "", errors.New("save path cannot be empty")
	}
	if strings.TrimSpace(cookie) == "" {
		return "", errors.New("cookie cannot be empty")
	}
	dest, err := w.files.resolvePath(savePath)
	if err != nil {
		return "", err
	}
	n, err := w.fetcher.DownloadWith(ctx, url, dest, http.Header{"Cookie": {cookie}})
	if err != nil {
		return "", err
	}
	if n == 0 {
		os.Remove(dest)
		return "", fmt.Errorf("%s returned an empty page", url)
	}
	return fmt.Sprintf("Saved %d bytes to %s", n, savePath), nil
}

// Register adds read_page and search_baidu and, with a workspace,
// download_document and save_webpage_with_cookie.
func (w *WebTools) Register(r *Registry) {
	r.Register(&Tool{
		Name:        "read_page",
		Description: "Fetch a web page and return its readable text. max_chars limits the output (default 50000).",
		Params:      []string{"url", "max_chars"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			maxChars := 0
			if v := argAt(args, 1); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return "", fmt.Errorf("max_chars must be a non-negative integer, got %q", v)
				}
				maxChars = n
			}
			return w.ReadPage(ctx, args[0], maxChars)
		},
	})

	if w.cfg.SearchURL != "" {
		r.Register(&Tool{
			Name:        "search_baidu",
			Description: "Search the web and return the results page text and links. max_results defaults to 5.",
			Params:      []string{"query", "max_results"},
			MinArgs:     1,
			Handler: func(ctx context.Context, args []string) (string, error) {
				n := 0
				if v := argAt(args, 1); v != "" {
					var err error
					if n, err = strconv.Atoi(v); err != nil || n < 1 {
						return "", fmt.Errorf("max_results must be a positive integer, got %q", v)
					}
				}
				return w.Search(ctx, args[0], n)
			},
		})
	}

	if w.files == nil || !w.files.Enabled() {
		return
	}
	r.Register(&Tool{
		Name:        "download_document",
		Description: "Download an http(s) URL to a file in the workspace, creating directories as needed. save_path defaults to the downloads folder.",
		Params:      []string{"url", "save_path"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return w.DownloadDocument(ctx, args[0], argAt(args, 1))
		},
	})
	r.Register(&Tool{
		Name:        "save_webpage_with_cookie",
		Description: "Fetch a page with the given Cookie header and save its raw source to a file in the workspace.",
		Params:      []string{"url", "save_path", "cookie"},
		MinArgs:     3,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return w.SaveWebpage(ctx, args[0], args[1], args[2])
		},
	})
}
