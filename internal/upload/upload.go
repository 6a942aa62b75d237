// Package upload pushes oversized files to an external host and hands back a
// download link.
package upload

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wapuda/clipbot/internal/metrics"
)

// Uploader never fails loudly: a false return means "no link", and the
// caller decides what the user sees.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, bool)
	Name() string
}

// New picks the uploader for provider (catbox|filebin|none). None yields nil.
func New(provider, catboxURL, filebinBase, filebinPrefix string) Uploader {
	client := &http.Client{Timeout: 10 * time.Minute}
	switch strings.ToLower(provider) {
	case "catbox":
		return &Catbox{Endpoint: catboxURL, Client: client}
	case "filebin":
		return &Filebin{Base: strings.TrimRight(filebinBase, "/"), BinPrefix: filebinPrefix, Client: client}
	default:
		return nil
	}
}

func count(provider string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	metrics.Uploads.WithLabelValues(provider, result).Inc()
}
