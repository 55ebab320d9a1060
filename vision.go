package cadence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// pageSizeLimit caps the extracted page text handed to the summarizer.
const pageSizeLimit = 10000

var urlPattern = regexp.MustCompile(`https?://\S+`)

// findURLs extracts URLs from content, skipping those already wrapped in an
// enrichment annotation (preceded by '[').
func findURLs(content string) []string {
	var urls []string
	for _, loc := range urlPattern.FindAllStringIndex(content, -1) {
		if loc[0] > 0 && content[loc[0]-1] == '[' {
			continue
		}
		urls = append(urls, content[loc[0]:loc[1]])
	}
	return urls
}

// URLCache is the persistent url -> enriched text map consulted before any
// enrichment work.
type URLCache interface {
	GetURL(ctx context.Context, url string) (string, bool, error)
	PutURL(ctx context.Context, url, text string) error
}

// FileURLCache stores the cache as one JSON document.
type FileURLCache struct {
	store *JSONStore
}

// urlCacheDoc is the serialized cache document.
type urlCacheDoc struct {
	URLs map[string]string `json:"urls"`
}

// NewFileURLCache creates a cache persisted under dir.
func NewFileURLCache(dir string) (*FileURLCache, error) {
	store, err := NewJSONStore(dir)
	if err != nil {
		return nil, err
	}
	return &FileURLCache{store: store}, nil
}

// GetURL implements URLCache.
func (c *FileURLCache) GetURL(_ context.Context, url string) (string, bool, error) {
	var doc urlCacheDoc
	if _, err := c.store.Load("url_cache", &doc); err != nil {
		return "", false, err
	}
	text, ok := doc.URLs[url]
	return text, ok, nil
}

// PutURL implements URLCache.
func (c *FileURLCache) PutURL(_ context.Context, url, text string) error {
	var doc urlCacheDoc
	if _, err := c.store.Load("url_cache", &doc); err != nil {
		return err
	}
	if doc.URLs == nil {
		doc.URLs = make(map[string]string)
	}
	doc.URLs[url] = text
	return c.store.Save("url_cache", doc)
}

// VisionProcessor enriches links in fresh human messages: images become
// descriptions, PDFs and pages become summaries, everything lands in the
// cache so a repeated link costs nothing.
type VisionProcessor struct {
	describer  ImageDescriber
	summarizer Summarizer
	cache      URLCache
	client     *http.Client
	logger     *slog.Logger
}

// NewVisionProcessor creates a processor. A nil client uses the default
// HTTP client.
func NewVisionProcessor(describer ImageDescriber, summarizer Summarizer, cache URLCache, client *http.Client, logger *slog.Logger) *VisionProcessor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = nopLogger
	}
	return &VisionProcessor{describer: describer, summarizer: summarizer, cache: cache, client: client, logger: logger}
}

// ProcessCurrentChannel scans the last contiguous run of human messages in
// the current channel, enriches every un-annotated URL, and returns
// positional message updates replacing each URL with its annotation.
// Enrichment failures are embedded in the annotation rather than returned;
// a broken link should not stop the conversation.
func (v *VisionProcessor) ProcessCurrentChannel(ctx context.Context, h *History) (*InternalUpdates, error) {
	channel := h.Current()

	// URLs per message index, walking back from the newest message until a
	// non-human message.
	extracted := make(map[int][]string)
	for i := len(channel.Messages) - 1; i >= 0; i-- {
		msg := channel.Messages[i]
		if msg.Kind != KindHuman {
			break
		}
		if urls := findURLs(msg.Content); len(urls) > 0 {
			extracted[i] = urls
		}
	}
	if len(extracted) == 0 {
		return NewInternalUpdates(), nil
	}

	replacements := make(map[string]string)
	var queue []string
	for _, urls := range extracted {
		for _, u := range urls {
			if _, done := replacements[u]; done {
				continue
			}
			text, ok, err := v.cache.GetURL(ctx, u)
			if err != nil {
				v.logger.Warn("url cache read failed", "url", u, "error", err)
			}
			if ok {
				replacements[u] = text
			} else {
				queue = append(queue, u)
				replacements[u] = "" // reserve so duplicates queue once
			}
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, u := range queue {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			annotation := v.processURL(ctx, u)
			mu.Lock()
			replacements[u] = annotation
			mu.Unlock()
			if err := v.cache.PutURL(ctx, u, annotation); err != nil {
				v.logger.Warn("url cache write failed", "url", u, "error", err)
			}
		}(u)
	}
	wg.Wait()

	updates := NewInternalUpdates()
	cu := updates.Channel(channel.ID)
	cu.MessageUpdates = make(map[int]Message, len(extracted))
	for idx := range extracted {
		msg := channel.Messages[idx].Clone()
		for u, replacement := range replacements {
			if replacement != "" {
				msg.Content = strings.ReplaceAll(msg.Content, u, replacement)
			}
		}
		cu.MessageUpdates[idx] = msg
	}
	return updates, nil
}

// processURL enriches one URL and returns its "[url info]" annotation.
func (v *VisionProcessor) processURL(ctx context.Context, rawURL string) string {
	info := "No additional information"

	switch {
	case isImageURL(rawURL):
		if v.describer == nil {
			break
		}
		desc, err := v.describer.DescribeImage(ctx, rawURL)
		if err != nil {
			info = "Describe image failed. Error=" + err.Error()
		} else {
			info = desc
		}

	case strings.HasSuffix(strings.ToLower(trimURLQuery(rawURL)), ".pdf"):
		text, err := v.fetchPDFText(ctx, rawURL)
		if err != nil {
			info = "Failed to inspect link. Error=" + err.Error()
			break
		}
		info = v.summarizeText(ctx, rawURL, text)

	default:
		text, err := v.fetchPageText(ctx, rawURL)
		if err != nil {
			info = "Failed to inspect link. Error=" + err.Error()
			break
		}
		info = v.summarizeText(ctx, rawURL, text)
	}

	return "[" + rawURL + " " + info + "]"
}

func (v *VisionProcessor) summarizeText(ctx context.Context, rawURL, text string) string {
	if len(text) > pageSizeLimit {
		text = text[:pageSizeLimit] + "..."
	}
	if v.summarizer == nil {
		return text
	}
	summary, err := v.summarizer.Summarize(ctx, "Summarize this page: "+rawURL+" "+text)
	if err != nil {
		return "Failed to summarize link. Error=" + err.Error()
	}
	return summary
}

// fetchPageText downloads a page and extracts its readable text.
func (v *VisionProcessor) fetchPageText(ctx context.Context, rawURL string) (string, error) {
	body, err := v.fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	parsed, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	return string(body), nil
}

// fetchPDFText downloads a PDF and extracts its plain text page by page.
func (v *VisionProcessor) fetchPDFText(ctx context.Context, rawURL string) (string, error) {
	body, err := v.fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(strings.TrimSpace(pageText))
	}
	return strings.TrimSpace(text.String()), nil
}

func (v *VisionProcessor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return body, nil
}

func isImageURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	trimmed := trimURLQuery(lower)
	for _, ext := range []string{".png", ".gif", ".jpg", ".jpeg", ".webp"} {
		if strings.HasSuffix(trimmed, ext) {
			return true
		}
	}
	// CDN attachment links keep the extension before the query string.
	if strings.Contains(lower, "/attachments/") {
		for _, ext := range []string{".png", ".gif", ".jpg", ".jpeg", ".webp"} {
			if strings.Contains(lower, ext) {
				return true
			}
		}
	}
	return false
}

func trimURLQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
