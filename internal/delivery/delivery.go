// Package delivery routes one run's messages and files to the requester,
// falling back from one chat target to another.
package delivery

import (
	"context"
	"sync"
	"time"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// MessageRef identifies a sent message so it can be edited later. The
// fields mean whatever the target that produced it needs.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// Target is one concrete place messages can go: a channel, a DM, a console.
type Target interface {
	Name() string
	Send(ctx context.Context, text string) (MessageRef, error)
	SendFile(ctx context.Context, path, caption string) error
	Edit(ctx context.Context, ref MessageRef, text string) error
}

// Strategy orders the two targets of a command.
type Strategy int

const (
	ChannelFirst Strategy = iota
	DMFirst
)

// Order returns (primary, fallback) for s.
func (s Strategy) Order(channel, dm Target) (Target, Target) {
	if s == DMFirst {
		return dm, channel
	}
	return channel, dm
}

// Channel is owned by one run. The target is chosen once, by the first
// outgoing message (or an explicit Resolve), and never re-decided.
type Channel struct {
	mu sync.Mutex

	primary  Target
	fallback Target
	mention  string

	active     Target
	redirected bool

	progress       *MessageRef
	progressTarget Target
}

func New(primary, fallback Target, mention string) *Channel {
	return &Channel{primary: primary, fallback: fallback, mention: mention}
}

// Resolve probes the primary target with text. When the probe fails every
// later message goes to the fallback, prefixed with the user mention.
func (c *Channel) Resolve(ctx context.Context, probe string) Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active
	}
	if _, err := c.sendLocked(ctx, probe); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("probe message failed on both targets")
	}
	return c.active
}

// Redirected reports whether the run switched to its fallback target.
func (c *Channel) Redirected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirected
}

// Active names the chosen target, "" before the first message.
func (c *Channel) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Name()
}

func (c *Channel) decorate(text string) string {
	if c.redirected && c.mention != "" {
		return c.mention + " " + text
	}
	return text
}

// sendLocked sends text to the active target, choosing it first if needed.
func (c *Channel) sendLocked(ctx context.Context, text string) (MessageRef, error) {
	if c.active != nil {
		return c.active.Send(ctx, c.decorate(text))
	}
	if c.primary != nil {
		ref, err := c.primary.Send(ctx, text)
		if err == nil || c.fallback == nil {
			c.active = c.primary
			return ref, err
		}
		l := logx.FromCtx(ctx)
		l.Info().Err(err).Str("from", c.primary.Name()).Str("to", c.fallback.Name()).Msg("primary target unreachable, switching to fallback")
	}
	c.active = c.fallback
	c.redirected = c.primary != nil
	if c.active == nil {
		return MessageRef{}, errNoTarget
	}
	return c.active.Send(ctx, c.decorate(text))
}

// Notify sends a standalone message. Failures are logged, never returned.
func (c *Channel) Notify(ctx context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.sendLocked(ctx, text); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("notify failed")
	}
}

// SendFile tries the active target, then the fallback while the primary
// is still active. A redirected run never goes back to the primary. A
// file sent before any text picks the target the same way a message would.
func (c *Channel) SendFile(ctx context.Context, path, caption string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := logx.FromCtx(ctx)

	var first, second Target
	switch {
	case c.active == nil:
		first, second = c.primary, c.fallback
	case c.redirected:
		first = c.active
	default:
		first, second = c.active, c.fallback
	}
	for i, t := range []Target{first, second} {
		if t == nil {
			continue
		}
		if c.active == nil && i == 1 {
			c.active, c.redirected = t, first != nil
		}
		err := t.SendFile(ctx, path, c.decorate(caption))
		if err == nil {
			if c.active == nil {
				c.active = t
			}
			return true
		}
		l.Warn().Err(err).Str("target", t.Name()).Str("path", path).Msg("file delivery failed")
	}
	return false
}

// Progress edits the run's progress message in place; the first call
// sends it. Edit failures (expired tokens, rate limits) are dropped.
func (c *Channel) Progress(ctx context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := logx.FromCtx(ctx)

	if c.progress == nil {
		ref, err := c.sendLocked(ctx, text)
		if err != nil {
			l.Debug().Err(err).Msg("progress message not sent")
			return
		}
		c.progress = &ref
		c.progressTarget = c.active
		return
	}
	if err := c.progressTarget.Edit(ctx, *c.progress, c.decorate(text)); err != nil {
		l.Debug().Err(err).Msg("progress edit dropped")
	}
}

// Heartbeat re-renders progress every period until stop is called or ctx
// ends. stop waits for the ticker goroutine to exit.
func (c *Channel) Heartbeat(ctx context.Context, every time.Duration, render func() string) (stop func()) {
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Progress(ctx, render())
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
