package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const DefaultCatboxURL = "https://catbox.moe/user/api.php"

// Catbox posts files to catbox.moe's anonymous upload API.
type Catbox struct {
	Endpoint string
	Client   *http.Client
}

func (c *Catbox) Name() string { return "catbox" }

func (c *Catbox) Upload(ctx context.Context, path string) (string, bool) {
	l := logx.FromCtx(ctx)
	url, err := c.upload(ctx, path)
	count(c.Name(), err == nil)
	if err != nil {
		l.Error().Err(err).Str("path", path).Msg("catbox upload failed")
		return "", false
	}
	l.Info().Str("url", url).Msg("uploaded to catbox")
	return url, true
}

func (c *Catbox) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Stream the form so large clips are never held in memory.
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		err := w.WriteField("reqtype", "fileupload")
		if err == nil {
			var part io.Writer
			part, err = w.CreateFormFile("fileToUpload", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(part, f)
			}
		}
		if err == nil {
			err = w.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultCatboxURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catbox status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	link := strings.TrimSpace(string(body))
	if !strings.HasPrefix(link, "http") {
		return "", fmt.Errorf("catbox returned no link: %q", link)
	}
	return link, nil
}
