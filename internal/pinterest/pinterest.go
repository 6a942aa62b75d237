// Package pinterest fetches the video of a Pinterest pin straight from the
// page markup, without the external extractor.
package pinterest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wapuda/clipbot/internal/media"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const (
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxRedirects = 10
)

var (
	pinPattern   = regexp.MustCompile(`^https?://([a-z]+\.)?pinterest\.[a-z]+/pin/`)
	shortPattern = regexp.MustCompile(`^https?://pin\.it/`)
)

// Client implements the pipeline fetcher for pins.
type Client struct {
	HTTP      *http.Client
	UserAgent string

	isShort func(string) bool
	isPin   func(string) bool
}

func New() *Client {
	return &Client{
		HTTP: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		UserAgent: userAgent,
		isShort:   shortPattern.MatchString,
		isPin:     pinPattern.MatchString,
	}
}

func unsupported(format string, args ...any) error {
	return &media.FetchError{Reason: media.ReasonUnsupported, Text: fmt.Sprintf(format, args...)}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	return c.HTTP.Do(req)
}

// Resolve expands pin.it short links and checks the result is a pin URL.
func (c *Client) Resolve(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if c.isShort(url) {
		resp, err := c.get(ctx, url)
		if err != nil {
			return "", fmt.Errorf("resolve short link: %w", err)
		}
		resp.Body.Close()
		url = resp.Request.URL.String()
		l := logx.FromCtx(ctx)
		l.Debug().Str("resolved", url).Msg("short link resolved")
	}
	if !c.isPin(url) {
		return "", unsupported("not a Pinterest pin: %s", url)
	}
	return url, nil
}

// Page is what the pin page tells us about its video.
type Page struct {
	Title    string
	VideoURL string
}

type snippet struct {
	VideoVariants []struct {
		URL    string `json:"url"`
		Height int    `json:"height"`
	} `json:"videoVariants"`
	ContentURL string `json:"contentUrl"`
	EmbedURL   string `json:"embedUrl"`
}

// ParsePage finds the video in pin markup: the last <source src>, else the
// highest variant of the video-snippet JSON, else its content or embed URL.
func ParsePage(r io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Page{}, err
	}
	var p Page
	p.Title, _ = doc.Find(`meta[property="og:title"]`).First().Attr("content")
	p.Title = strings.TrimSpace(p.Title)

	if src, ok := doc.Find("source[src]").Last().Attr("src"); ok && src != "" {
		p.VideoURL = src
		return p, nil
	}

	raw := doc.Find(`script[data-test-id="video-snippet"]`).First().Text()
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	var s snippet
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return p, fmt.Errorf("video snippet: %w", err)
	}
	if len(s.VideoVariants) > 0 {
		sort.SliceStable(s.VideoVariants, func(i, j int) bool {
			return s.VideoVariants[i].Height > s.VideoVariants[j].Height
		})
		p.VideoURL = s.VideoVariants[0].URL
		return p, nil
	}
	p.VideoURL = s.ContentURL
	if p.VideoURL == "" {
		p.VideoURL = s.EmbedURL
	}
	return p, nil
}

func (c *Client) page(ctx context.Context, url string) (Page, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Page{}, &media.FetchError{Reason: media.ReasonGone, Text: "pin page returned 404"}
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, &media.FetchError{Reason: media.ReasonGeneric, Text: fmt.Sprintf("pin page returned %s", resp.Status)}
	}
	return ParsePage(resp.Body)
}

// Fetch resolves url, locates the pin's video and downloads it to outputPath.
func (c *Client) Fetch(ctx context.Context, url, outputPath string, opts media.FetchOptions) (media.FetchResult, error) {
	l := logx.FromCtx(ctx)
	pin, err := c.Resolve(ctx, url)
	if err != nil {
		return media.FetchResult{}, err
	}
	p, err := c.page(ctx, pin)
	if err != nil {
		return media.FetchResult{}, err
	}
	if p.VideoURL == "" {
		return media.FetchResult{}, &media.FetchError{Reason: media.ReasonGeneric, Text: "no video found on this pin"}
	}
	l.Info().Str("pin", pin).Str("video", p.VideoURL).Msg("pin video located")

	res := media.FetchResult{Title: p.Title, SourceURL: p.VideoURL}
	if err := c.download(ctx, p.VideoURL, outputPath, opts.Progress); err != nil {
		os.Remove(outputPath)
		return res, err
	}
	res.Path = outputPath
	return res, nil
}

func (c *Client) download(ctx context.Context, src, out string, progress func(done, total int64)) error {
	resp, err := c.get(ctx, src)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("video download: %s", resp.Status)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	w := &progressWriter{total: resp.ContentLength, report: progress}
	n, err := io.Copy(io.MultiWriter(f, w), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Join(media.ErrMissingOutput, errors.New("empty video body"))
	}
	return nil
}

// progressWriter reports every 5% when the size is known, else every MiB.
type progressWriter struct {
	done, total int64
	last        int64
	report      func(done, total int64)
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.done += int64(len(b))
	if w.report == nil {
		return len(b), nil
	}
	step := int64(1 << 20)
	mark := w.done / step
	if w.total > 0 {
		mark = w.done * 20 / w.total
	}
	if mark > w.last {
		w.last = mark
		w.report(w.done, w.total)
	}
	return len(b), nil
}
