package media

import (
	"errors"
	"fmt"
	"strings"
)

// FailureReason classifies why the extractor could not fetch a URL.
type FailureReason int

const (
	ReasonGeneric FailureReason = iota
	ReasonBotBlock
	ReasonUnsupported
	ReasonDRM
	ReasonPrivate
	ReasonAgeRestricted
	ReasonGone
)

func (r FailureReason) String() string {
	switch r {
	case ReasonBotBlock:
		return "bot_block"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonDRM:
		return "drm"
	case ReasonPrivate:
		return "private"
	case ReasonAgeRestricted:
		return "age_restricted"
	case ReasonGone:
		return "gone"
	default:
		return "generic"
	}
}

type rule struct {
	reason FailureReason
	match  func(s string) bool
}

func anyOf(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

func allOf(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if !strings.Contains(s, sub) {
				return false
			}
		}
		return true
	}
}

// Evaluated top-down; the first match wins.
var classification = []rule{
	{ReasonBotBlock, anyOf("sign in to confirm", "not a bot", "cookies")},
	{ReasonUnsupported, anyOf("unsupported url", "no suitable extractor")},
	{ReasonDRM, anyOf("drm", "protected")},
	{ReasonPrivate, anyOf("private", "members-only")},
	{ReasonAgeRestricted, allOf("age", "restricted")},
	{ReasonGone, anyOf("unavailable", "removed")},
}

// Classify maps extractor error text to a FailureReason.
func Classify(text string) FailureReason {
	s := strings.ToLower(text)
	for _, r := range classification {
		if r.match(s) {
			return r.reason
		}
	}
	return ReasonGeneric
}

// FetchError is a classified extractor failure.
type FetchError struct {
	Reason FailureReason
	Text   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed (%s): %s", e.Reason, e.Text)
}

// NewFetchError classifies text into a FetchError.
func NewFetchError(text string) *FetchError {
	return &FetchError{Reason: Classify(text), Text: strings.TrimSpace(text)}
}

var (
	// ErrMissingOutput means the extractor reported success but left no file.
	ErrMissingOutput = errors.New("extractor finished without an output file")
	// ErrNoDuration means the prober printed nothing usable.
	ErrNoDuration = errors.New("no duration reported")
)

// ProcessError is a non-zero exit from ffmpeg or ffprobe.
type ProcessError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, Tail(e.Stderr, 300))
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Tail returns at most n trailing bytes of s.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
