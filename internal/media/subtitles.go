package media

import (
	"regexp"
	"strings"
	"time"

	"github.com/asticode/go-astisub"
)

const (
	maxCueRunes = 60
	overlapGap  = 500 * time.Millisecond
)

var markupTag = regexp.MustCompile(`<[^>]+>`)

// CleanSRT rewrites an extractor subtitle file into something that reads
// well when burned into a vertical clip: one line per cue, no markup, at
// most 60 characters, and no overlapping cues. It returns the number of
// cues written; zero means nothing usable and no file is written.
func CleanSRT(in, out string) (int, error) {
	subs, err := astisub.OpenFile(in)
	if err != nil {
		return 0, err
	}

	cleaned := astisub.NewSubtitles()
	for _, it := range subs.Items {
		text := cueText(it)
		if text == "" {
			continue
		}
		start, end := it.StartAt, it.EndAt
		if n := len(cleaned.Items); n > 0 {
			prev := cleaned.Items[n-1]
			if start < prev.EndAt {
				cut := start
				if start > overlapGap {
					cut = start - overlapGap
				}
				// never before the cue's own start
				prev.EndAt = max(prev.StartAt, cut)
			}
		}
		cleaned.Items = append(cleaned.Items, &astisub.Item{
			StartAt: start,
			EndAt:   end,
			Lines:   []astisub.Line{{Items: []astisub.LineItem{{Text: text}}}},
		})
	}
	if len(cleaned.Items) == 0 {
		return 0, nil
	}
	if err := cleaned.Write(out); err != nil {
		return 0, err
	}
	return len(cleaned.Items), nil
}

func cueText(it *astisub.Item) string {
	var parts []string
	for _, line := range it.Lines {
		for _, li := range line.Items {
			parts = append(parts, li.Text)
		}
	}
	text := strings.Join(parts, " ")
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	text = markupTag.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxCueRunes {
		text = string(r[:maxCueRunes-3]) + "..."
	}
	return text
}
