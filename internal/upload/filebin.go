package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	logx "github.com/wapuda/clipbot/internal/logs"
	"github.com/wapuda/clipbot/internal/runid"
)

// Filebin uploads each file into a fresh bin. Bins expire on their own
// after about six days.
type Filebin struct {
	Base      string
	BinPrefix string
	Client    *http.Client
}

func (f *Filebin) Name() string { return "filebin" }

func (f *Filebin) bin() string {
	id := strings.ToLower(runid.ULID())
	if p := strings.TrimSpace(f.BinPrefix); p != "" {
		return p + "-" + id
	}
	return id
}

func (f *Filebin) Upload(ctx context.Context, path string) (string, bool) {
	l := logx.FromCtx(ctx)
	link, err := f.upload(ctx, f.bin(), path)
	count(f.Name(), err == nil)
	if err != nil {
		l.Error().Err(err).Str("path", path).Msg("filebin upload failed")
		return "", false
	}
	l.Info().Str("url", link).Msg("uploaded to filebin")
	return link, true
}

func (f *Filebin) upload(ctx context.Context, bin, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	link := fmt.Sprintf("%s/%s/%s", f.Base, url.PathEscape(bin), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, link, file)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("filebin status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return link, nil
}
