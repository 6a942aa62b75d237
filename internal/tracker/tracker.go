// Package tracker links TikTok handles to chat users and announces their
// new uploads in a per-guild channel.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/metrics"
	"github.com/wapuda/clipbot/internal/store"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const (
	nsAccounts = "tracker"
	nsGuilds   = "tracker_guild"
	settingsID = "settings"
)

var (
	ErrEmptyHandle    = errors.New("handle is empty")
	ErrNoChannel      = errors.New("no notification channel configured")
	ErrNotLinked      = errors.New("no linked account")
	ErrUnknownAccount = errors.New("account could not be found")
)

// Account is one linked handle. LastVideoID is "" until the first poll
// records a baseline.
type Account struct {
	GuildID     string     `json:"guild_id"`
	UserID      string     `json:"user_id"`
	Handle      string     `json:"handle"`
	LinkedAt    time.Time  `json:"linked_at"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastVideoID string     `json:"last_video_id,omitempty"`
}

type guildSettings struct {
	Channel string `json:"notification_channel"`
}

// Lister returns the newest video ids of a profile page, newest first.
type Lister interface {
	LatestIDs(ctx context.Context, pageURL string, limit int) ([]string, error)
}

type Announcement struct {
	GuildID   string
	ChannelID string
	UserID    string
	Handle    string
	VideoID   string
	URL       string
}

type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

type PollReport struct {
	Skipped   bool // another poll was still running
	Checked   int
	Baselined int
	Announced int
	Failed    int
}

type Tracker struct {
	repo   store.Repository
	lister Lister
	// Delay spaces out profile lookups within one poll.
	Delay time.Duration
	now   func() time.Time

	polling atomic.Bool
}

func New(repo store.Repository, lister Lister) *Tracker {
	return &Tracker{repo: repo, lister: lister, Delay: 2 * time.Second, now: time.Now}
}

func ProfileURL(handle string) string { return "https://www.tiktok.com/@" + handle }

func VideoURL(handle, id string) string {
	return fmt.Sprintf("https://www.tiktok.com/@%s/video/%s", handle, id)
}

// NormalizeHandle trims whitespace and a leading @.
func NormalizeHandle(s string) (string, error) {
	h := strings.TrimLeft(strings.TrimSpace(s), "@")
	if h == "" {
		return "", ErrEmptyHandle
	}
	return h, nil
}

func accountKey(guild, user string) store.Key {
	return store.Key{Namespace: nsAccounts, Scope: guild, ID: user}
}

func settingsKey(guild string) store.Key {
	return store.Key{Namespace: nsGuilds, Scope: guild, ID: settingsID}
}

// Verify checks that the handle resolves to a profile. Extractor
// failures mean the account does not exist; anything else (missing
// binary, timeouts) is returned as-is so callers can link anyway.
func (t *Tracker) Verify(ctx context.Context, handle string) error {
	_, err := t.lister.LatestIDs(ctx, ProfileURL(handle), 1)
	var fe *media.FetchError
	if errors.As(err, &fe) {
		return fmt.Errorf("%w: @%s", ErrUnknownAccount, handle)
	}
	return err
}

// Link attaches handle to (guild, user). It reports false when the user
// was already linked to that exact handle, leaving the record untouched.
func (t *Tracker) Link(ctx context.Context, guild, user, handle string) (bool, error) {
	handle, err := NormalizeHandle(handle)
	if err != nil {
		return false, err
	}
	ch, err := t.Channel(ctx, guild)
	if err != nil {
		return false, err
	}
	if ch == "" {
		return false, ErrNoChannel
	}

	var cur Account
	err = t.repo.Get(ctx, accountKey(guild, user), &cur)
	switch {
	case err == nil && strings.EqualFold(cur.Handle, handle):
		return false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	a := Account{GuildID: guild, UserID: user, Handle: handle, LinkedAt: t.now().UTC()}
	if err := t.repo.Set(ctx, accountKey(guild, user), a); err != nil {
		return false, err
	}
	l := logx.FromCtx(ctx)
	l.Info().Str("guild", guild).Str("user", user).Str("handle", handle).Msg("account linked")
	return true, nil
}

// Unlink removes the user's link and returns the handle it pointed to.
func (t *Tracker) Unlink(ctx context.Context, guild, user string) (string, error) {
	a, err := t.Account(ctx, guild, user)
	if err != nil {
		return "", err
	}
	if _, err := t.repo.Delete(ctx, accountKey(guild, user)); err != nil {
		return "", err
	}
	return a.Handle, nil
}

func (t *Tracker) Account(ctx context.Context, guild, user string) (Account, error) {
	var a Account
	err := t.repo.Get(ctx, accountKey(guild, user), &a)
	if errors.Is(err, store.ErrNotFound) {
		return a, ErrNotLinked
	}
	return a, err
}

// Accounts lists the guild's links sorted by handle.
func (t *Tracker) Accounts(ctx context.Context, guild string) ([]Account, error) {
	recs, err := t.repo.List(ctx, nsAccounts, guild)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(recs))
	for id, raw := range recs {
		var a Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("account %s/%s: %w", guild, id, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (t *Tracker) SetChannel(ctx context.Context, guild, channel string) error {
	return t.repo.Set(ctx, settingsKey(guild), guildSettings{Channel: channel})
}

// Channel returns the guild's notification channel, "" when unset.
func (t *Tracker) Channel(ctx context.Context, guild string) (string, error) {
	var s guildSettings
	err := t.repo.Get(ctx, settingsKey(guild), &s)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return s.Channel, err
}

// Poll checks every linked account once. The first sighting of an account
// only records a baseline; later changes of the newest id are announced.
// Overlapping calls return immediately with Skipped set.
func (t *Tracker) Poll(ctx context.Context, ann Announcer) (PollReport, error) {
	var rep PollReport
	if !t.polling.CompareAndSwap(false, true) {
		rep.Skipped = true
		return rep, nil
	}
	defer t.polling.Store(false)

	l := logx.FromCtx(ctx)
	guilds, err := t.repo.Scopes(ctx, nsAccounts)
	if err != nil {
		return rep, err
	}
	first := true
	for _, guild := range guilds {
		channel, err := t.Channel(ctx, guild)
		if err != nil {
			return rep, err
		}
		accounts, err := t.Accounts(ctx, guild)
		if err != nil {
			return rep, err
		}
		for _, a := range accounts {
			if !first {
				if err := sleep(ctx, t.Delay); err != nil {
					return rep, err
				}
			}
			first = false
			if err := t.check(ctx, ann, channel, a, &rep); err != nil {
				rep.Failed++
				l.Warn().Err(err).Str("guild", guild).Str("handle", a.Handle).Msg("tracker check failed")
			}
		}
	}
	l.Info().
		Int("checked", rep.Checked).
		Int("announced", rep.Announced).
		Int("failed", rep.Failed).
		Msg("tracker poll done")
	return rep, nil
}

func (t *Tracker) check(ctx context.Context, ann Announcer, channel string, a Account, rep *PollReport) error {
	rep.Checked++
	ids, err := t.lister.LatestIDs(ctx, ProfileURL(a.Handle), 1)
	if err != nil {
		return err
	}
	if len(ids) == 0 || ids[0] == a.LastVideoID {
		return nil
	}
	latest := ids[0]

	if a.LastVideoID == "" {
		rep.Baselined++
	} else if channel != "" {
		err := ann.Announce(ctx, Announcement{
			GuildID:   a.GuildID,
			ChannelID: channel,
			UserID:    a.UserID,
			Handle:    a.Handle,
			VideoID:   latest,
			URL:       VideoURL(a.Handle, latest),
		})
		if err != nil {
			// the id is still recorded so a broken channel does not repost forever
			l := logx.FromCtx(ctx)
			l.Warn().Err(err).Str("handle", a.Handle).Msg("announcement failed")
		} else {
			rep.Announced++
			metrics.TrackerAnnouncements.Inc()
		}
	}

	now := t.now().UTC()
	a.LastVideoID, a.LastChecked = latest, &now
	return t.repo.Set(ctx, accountKey(a.GuildID, a.UserID), a)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop polls every interval until ctx ends. The bot uses it when no
// worker queue is configured.
func (t *Tracker) Loop(ctx context.Context, every time.Duration, ann Announcer) {
	l := logx.FromCtx(ctx)
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if _, err := t.Poll(ctx, ann); err != nil && ctx.Err() == nil {
			l.Error().Err(err).Msg("tracker poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
