package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// Format selection expressions per command family.
const (
	FormatClip     = "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best[height<=720]/best"
	FormatMP4      = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	FormatBest     = "best"
	FormatFallback = "best[height<=720]/best"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7"

	titleMark = "TITLE "
	fileMark  = "FILE "
)

// FetchOptions tunes one fetch.
type FetchOptions struct {
	Format    string
	Subtitles bool
	// Progress receives byte counts from fetchers that download directly.
	Progress func(done, total int64)
}

// FetchResult describes what was materialised on disk.
type FetchResult struct {
	Title     string
	Path      string
	Subtitles []string
	// SourceURL is a directly retrievable media URL, when the fetcher knows one.
	SourceURL string
}

// Extractor wraps the yt-dlp command line.
type Extractor struct {
	Bin            string
	Runner         Runner
	CookiesFile    string
	CookiesBrowser string
	UserAgent      string
	AcceptLanguage string
	SubtitleLangs  []string
}

func NewExtractor(bin string, r Runner) *Extractor {
	if bin == "" {
		bin = "yt-dlp"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Extractor{
		Bin:            bin,
		Runner:         r,
		UserAgent:      defaultUserAgent,
		AcceptLanguage: defaultAcceptLanguage,
		SubtitleLangs:  []string{"fr", "en"},
	}
}

func stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func (e *Extractor) args(url, outputPath string, opts FetchOptions) []string {
	format := opts.Format
	if format == "" {
		format = FormatBest
	}
	args := []string{
		"--no-warnings",
		"--no-simulate",
		"--no-playlist",
		"--format", format,
		"--merge-output-format", "mp4",
		"-o", stem(outputPath) + ".%(ext)s",
		"--print", titleMark + "%(title)s",
		"--print", "after_move:" + fileMark + "%(filepath)s",
		"--user-agent", e.UserAgent,
		"--add-header", "Accept:text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"--add-header", "Accept-Language:" + e.AcceptLanguage,
		"--extractor-args", "youtube:player_client=android,web;player_skip=webpage,configs",
		"--retries", "10",
		"--fragment-retries", "10",
		"--skip-unavailable-fragments",
		"--no-check-certificates",
		"--sleep-interval", "1",
		"--max-sleep-interval", "3",
	}
	if opts.Subtitles {
		args = append(args,
			"--write-subs", "--write-auto-subs",
			"--sub-langs", strings.Join(e.SubtitleLangs, ","),
			"--sub-format", "srt/best",
			"--convert-subs", "srt",
			"--no-embed-subs",
		)
	}
	args = append(args, e.cookieArgs()...)
	return append(args, url)
}

func (e *Extractor) cookieArgs() []string {
	if e.CookiesFile != "" {
		if _, err := os.Stat(e.CookiesFile); err == nil {
			return []string{"--cookies", e.CookiesFile}
		}
	}
	if e.CookiesBrowser != "" {
		return []string{"--cookies-from-browser", e.CookiesBrowser}
	}
	return nil
}

func isFormatFailure(text string) bool {
	s := strings.ToLower(text)
	return strings.Contains(s, "format") || strings.Contains(s, "not available")
}

// Fetch downloads url next to outputPath. A failed first attempt caused by
// format negotiation is retried once with a simpler format and no
// subtitles; everything else is classified into a *FetchError.
func (e *Extractor) Fetch(ctx context.Context, url, outputPath string, opts FetchOptions) (FetchResult, error) {
	l := logx.FromCtx(ctx)
	out, err := e.Runner.Run(ctx, e.Bin, e.args(url, outputPath, opts)...)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResult{}, ctx.Err()
		}
		text := errorText(out, err)
		switch {
		case opts.Format != FormatFallback && isFormatFailure(text):
			l.Warn().Str("err", Tail(text, 200)).Msg("format negotiation failed, retrying with a simpler format")
			retry := opts
			retry.Format = FormatFallback
			retry.Subtitles = false
			out, err = e.Runner.Run(ctx, e.Bin, e.args(url, outputPath, retry)...)
			if err == nil && opts.Subtitles {
				e.fetchSubtitles(ctx, url, outputPath)
			}
		case opts.Subtitles && strings.Contains(strings.ToLower(text), "subtitle"):
			l.Warn().Str("err", Tail(text, 200)).Msg("subtitle download failed, retrying without")
			retry := opts
			retry.Subtitles = false
			out, err = e.Runner.Run(ctx, e.Bin, e.args(url, outputPath, retry)...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return FetchResult{}, ctx.Err()
			}
			return FetchResult{}, NewFetchError(errorText(out, err))
		}
	}

	res := parsePrinted(string(out.Stdout))
	if res.Path == "" || !exists(res.Path) {
		res.Path = findOutput(outputPath)
	}
	if res.Path == "" {
		return FetchResult{}, ErrMissingOutput
	}
	if opts.Subtitles {
		res.Subtitles = findSubtitles(outputPath, e.SubtitleLangs)
	}
	l.Info().Str("title", res.Title).Str("path", res.Path).Int("subs", len(res.Subtitles)).Msg("fetched")
	return res, nil
}

// fetchSubtitles grabs subtitles alone after a fallback download.
func (e *Extractor) fetchSubtitles(ctx context.Context, url, outputPath string) {
	args := []string{
		"--no-warnings",
		"--skip-download",
		"--write-subs", "--write-auto-subs",
		"--sub-langs", strings.Join(e.SubtitleLangs, ","),
		"--sub-format", "srt/best",
		"--convert-subs", "srt",
		"-o", stem(outputPath) + ".%(ext)s",
	}
	args = append(args, e.cookieArgs()...)
	args = append(args, url)
	if _, err := e.Runner.Run(ctx, e.Bin, args...); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("subtitles unavailable")
	}
}

// LatestIDs lists the newest video ids of a channel or profile page.
func (e *Extractor) LatestIDs(ctx context.Context, pageURL string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	args := []string{
		"--quiet",
		"--no-warnings",
		"--flat-playlist",
		"--print", "id",
		"--playlist-items", fmt.Sprintf("1:%d", limit),
	}
	args = append(args, e.cookieArgs()...)
	args = append(args, pageURL)
	out, err := e.Runner.Run(ctx, e.Bin, args...)
	if err != nil {
		return nil, NewFetchError(errorText(out, err))
	}
	var ids []string
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func errorText(out Output, err error) string {
	if s := strings.TrimSpace(out.Stderr); s != "" {
		return s
	}
	return err.Error()
}

func parsePrinted(stdout string) FetchResult {
	var res FetchResult
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, titleMark):
			res.Title = strings.TrimPrefix(line, titleMark)
		case strings.HasPrefix(line, fileMark):
			res.Path = strings.TrimPrefix(line, fileMark)
		}
	}
	return res
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// findOutput looks for the media file the extractor wrote, whatever
// extension it picked.
func findOutput(outputPath string) string {
	if exists(outputPath) {
		return outputPath
	}
	matches, _ := filepath.Glob(stem(outputPath) + ".*")
	for _, m := range matches {
		switch strings.ToLower(filepath.Ext(m)) {
		case ".mp4", ".webm", ".mkv", ".mov", ".m4v":
			return m
		}
	}
	return ""
}

func findSubtitles(outputPath string, langs []string) []string {
	matches, _ := filepath.Glob(stem(outputPath) + "*.srt")
	rank := func(p string) int {
		for i, lang := range langs {
			if strings.HasSuffix(p, "."+lang+".srt") {
				return i
			}
		}
		return len(langs)
	}
	sort.SliceStable(matches, func(i, j int) bool { return rank(matches[i]) < rank(matches[j]) })
	return matches
}
