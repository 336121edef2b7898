// Package scraper turns web pages into text uploads.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/xhad/docchat/internal/models"
	"golang.org/x/time/rate"
)

const maxFilenameLength = 80

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

type ScraperConfig struct {
	// MaxDepth is how many links away from the start page Crawl follows.
	// Zero imports only the start page.
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	OnProgress        func(url string)
	HTTP              *http.Client
}

type Scraper struct {
	config  ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must not be negative")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	httpClient := config.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Scraper{
		config:  config,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

func New() *Scraper {
	s, _ := NewWithConfig(ScraperConfig{})
	return s
}

// Fetch imports a single page.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (models.Upload, error) {
	page, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return models.Upload{}, err
	}
	return page.upload, nil
}

// Crawl imports pageURL and the same-host pages linked from it, up to
// MaxDepth links away. Pages that fail after the first are skipped.
func (s *Scraper) Crawl(ctx context.Context, pageURL string) ([]models.Upload, error) {
	start, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", pageURL, err)
	}

	c := &crawl{scraper: s, host: start.Host, visited: map[string]bool{}}
	if err := c.visit(ctx, start.String(), 0); err != nil {
		return nil, err
	}
	return c.uploads, nil
}

type crawl struct {
	scraper *Scraper
	host    string
	visited map[string]bool
	uploads []models.Upload
}

func (c *crawl) visit(ctx context.Context, pageURL string, depth int) error {
	if depth > c.scraper.config.MaxDepth || c.visited[pageURL] {
		return nil
	}
	if depth > 0 && !c.scraper.shouldProcessURL(pageURL, c.host) {
		return nil
	}
	c.visited[pageURL] = true

	page, err := c.scraper.fetchPage(ctx, pageURL)
	if err != nil {
		if depth == 0 {
			return err
		}
		log.Warn("Skipping page", "url", pageURL, "err", err)
		return nil
	}
	c.uploads = append(c.uploads, page.upload)

	for _, link := range page.links {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.visit(ctx, link, depth+1); err != nil {
			return err
		}
	}
	return nil
}

type page struct {
	upload models.Upload
	links  []string
}

func (s *Scraper) fetchPage(ctx context.Context, pageURL string) (*page, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q: must be an absolute http(s) url", pageURL)
	}

	if s.config.OnProgress != nil {
		s.config.OnProgress(pageURL)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	content := s.extractMainContent(doc)
	if content == "" {
		return nil, fmt.Errorf("no text content found at %s", pageURL)
	}
	log.Debug("Fetched page", "url", pageURL, "title", title, "bytes", len(content))

	var text bytes.Buffer
	if title != "" {
		fmt.Fprintf(&text, "%s\n", title)
	}
	fmt.Fprintf(&text, "Source: %s\n\n%s\n", pageURL, content)

	p := &page{upload: models.Upload{
		Filename: pageFilename(title, base),
		Content:  bytes.NewReader(text.Bytes()),
	}}

	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			log.Debug("Ignoring link", "href", href, "err", err)
			return
		}
		link := base.ResolveReference(ref)
		link.Fragment = ""
		p.links = append(p.links, link.String())
	})
	return p, nil
}

func (s *Scraper) shouldProcessURL(urlStr, host string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if parsedURL.Host != host {
		return false
	}

	path := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range s.config.AllowedExtensions {
		if allowedExt == "" && !strings.Contains(pathBase(path), ".") {
			validExt = true
			break
		}
		if allowedExt != "" && strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

func pathBase(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (s *Scraper) cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func (s *Scraper) extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, footer").Remove()

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return s.cleanContent(content)
}

// pageFilename derives "<title>.txt", falling back to the host and path.
func pageFilename(title string, u *url.URL) string {
	name := title
	if name == "" {
		name = u.Host + strings.ReplaceAll(strings.TrimSuffix(u.Path, "/"), "/", "_")
	}
	name = strings.TrimSpace(unsafeFilename.ReplaceAllString(name, "_"))
	name = strings.Trim(name, "._ ")
	if len(name) > maxFilenameLength {
		name = strings.TrimSpace(name[:maxFilenameLength])
	}
	if name == "" {
		name = "page"
	}
	return name + ".txt"
}
