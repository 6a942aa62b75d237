package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/wapuda/clipbot/internal/media"
)

// Category tags every user-visible message a run produces, and doubles as
// the outcome of a segment and of the run.
type Category string

const (
	CatBusy           Category = "busy"
	CatFetchMissing   Category = "fetch:missing"
	CatProbeDegraded  Category = "probe_degraded"
	CatSubtitlesNone  Category = "subtitles_unavailable"
	CatTranscodeFail  Category = "transcode_failed"
	CatTooLarge       Category = "too_large"
	CatDeliveryFailed Category = "delivery_failed"
	CatUploadFailed   Category = "upload_failed"
	CatLinked         Category = "linked"
	CatDelivered      Category = "delivered"
	CatCritical       Category = "critical"
	CatSummary        Category = "summary"
)

// FetchCategory is the category for a classified extractor failure.
func FetchCategory(r media.FailureReason) Category {
	return Category("fetch:" + r.String())
}

// IsFetch reports whether c is one of the fetch failure categories.
func (c Category) IsFetch() bool { return strings.HasPrefix(string(c), "fetch:") }

func mb(size int64) float64 { return float64(size) / (1024 * 1024) }

func msgBusy() string {
	return "⏳ Too many people are using this command right now. Please try again in a moment."
}

func msgFetchFailed(r media.FailureReason, text string) string {
	switch r {
	case media.ReasonBotBlock:
		return "🤖 The site wants a sign-in to prove we're not a bot. The bot's cookies need a refresh; try again later."
	case media.ReasonUnsupported:
		return "❌ This link isn't supported. Check the URL and try again."
	case media.ReasonDRM:
		return "🔒 This video is DRM-protected and can't be downloaded."
	case media.ReasonPrivate:
		return "🔒 This video is private or members-only."
	case media.ReasonAgeRestricted:
		return "🔞 This video is age-restricted and can't be fetched without an authenticated session."
	case media.ReasonGone:
		return "🗑️ This video was removed or is unavailable."
	default:
		return "❌ **Download failed**\n" + media.Tail(text, 150)
	}
}

func msgFetchMissing() string {
	return "❌ The download finished but no video file was produced."
}

func msgCritical() string {
	return "💥 **Something went wrong** and the request was stopped. Temporary files have been cleaned up."
}

func msgDownloading(platform string, elapsed time.Duration) string {
	dots := strings.Repeat(".", int(elapsed/time.Second)%4)
	return fmt.Sprintf("📥 **Downloading%s**\n⏳ Fetching the %s video (%ds)", dots, platform, int(elapsed.Seconds()))
}

func msgDownloadPercent(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("📥 **Downloading...** %.1f MB", mb(done))
	}
	return fmt.Sprintf("📥 **Downloading...** %d%% (%.1f / %.1f MB)", done*100/total, mb(done), mb(total))
}

func msgProbeDegraded() string {
	return fmt.Sprintf("⚠️ Couldn't read the video length; assuming %d minutes.", int(media.DefaultDuration/60))
}

func msgSubtitlesNone() string {
	return "⚠️ Subtitles not available for this video, continuing without them."
}

func header(total int, subs string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ **Download complete**\n📊 %d clip(s) of 60s to process", total)
	if subs != "" {
		fmt.Fprintf(&b, "\n📝 Subtitles: %s", subs)
	}
	return b.String()
}

func msgPlanned(total int, subs string) string {
	return header(total, subs) + "\n\n🔄 **Processing...**"
}

func msgProcessing(index, total int, subs string) string {
	return fmt.Sprintf("%s\n\n✂️ **Processing: %d%%** (%d/%d)", header(total, subs), index*100/total, index, total)
}

func msgTranscodeFailed(index, total int, err error) string {
	return fmt.Sprintf("❌ **Clip %d/%d could not be processed**\n%s", index, total, media.Tail(err.Error(), 100))
}

func msgTooLarge(index, total int, size, limit int64) string {
	return fmt.Sprintf("⚠️ **Clip %d/%d skipped**: still %.1f MB after compression (limit %.1f MB)", index, total, mb(size), mb(limit))
}

func msgDeliveryFailed(index, total int) string {
	return fmt.Sprintf("❌ **Clip %d/%d** could not be delivered here or by DM", index, total)
}

func msgUploadFailed(index, total int, size int64) string {
	return fmt.Sprintf("❌ **Clip %d/%d** - upload failed (%.1f MB)", index, total, mb(size))
}

func msgLinked(index, total int, size int64, link string) string {
	return fmt.Sprintf("📤 **Clip %d/%d** (%.1f MB)\n⚠️ Too large to attach\n🔗 **Download:** %s", index, total, mb(size), link)
}

func captionClip(index, total int, size int64) string {
	return fmt.Sprintf("📤 **Clip %d/%d** (%.1f MB)", index, total, mb(size))
}

func captionWhole(title string, size int64) string {
	if title == "" {
		return fmt.Sprintf("📤 (%.1f MB)", mb(size))
	}
	return fmt.Sprintf("📤 **%s** (%.1f MB)", title, mb(size))
}

func msgWholeLinked(size int64, link string) string {
	return fmt.Sprintf("📤 Too large to attach (%.1f MB)\n🔗 **Download:** %s", mb(size), link)
}

func msgWholeTooLarge(size, limit int64) string {
	return fmt.Sprintf("⚠️ The file is %.1f MB, above the %.1f MB limit, and no download link could be produced.", mb(size), mb(limit))
}

func msgSummary(r *Report) string {
	total := len(r.Segments)
	ok := r.Count(CatDelivered) + r.Count(CatLinked)
	if ok == 0 {
		return "⚠️ **No clip produced**\nEvery clip failed; see the messages above."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ **Done**\n📊 %d/%d clip(s) sent", ok, total)
	if n := r.Count(CatLinked); n > 0 {
		fmt.Fprintf(&b, " (%d as links)", n)
	}
	var skipped []string
	for _, c := range []Category{CatTranscodeFail, CatTooLarge, CatDeliveryFailed, CatUploadFailed} {
		if n := r.Count(c); n > 0 {
			skipped = append(skipped, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(c), "_", " ")))
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Skipped: %s", strings.Join(skipped, ", "))
	}
	return b.String()
}
