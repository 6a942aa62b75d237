package discord

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/wapuda/clipbot/internal/stats"
	"github.com/wapuda/clipbot/internal/tracker"
)

const (
	colorPurple = 0x9b59b6
	colorGold   = 0xf1c40f
	colorGreen  = 0x2ecc71
	colorOrange = 0xe67e22
	colorRed    = 0xe74c3c
	colorBlue   = 0x3498db
	colorTikTok = 0x00f2ea
)

var platformIcons = map[string]string{
	"youtube":   "▶️",
	"video":     "🎬",
	"tiktok":    "🎵",
	"instagram": "📹",
	"pinterest": "📌",
}

func platformLabel(p string) string {
	icon := platformIcons[p]
	if icon == "" {
		icon = "📁"
	}
	if p == "" {
		return icon
	}
	return icon + " " + strings.ToUpper(p[:1]) + p[1:]
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return "🏅"
	}
}

func sortedPlatforms(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func userStatsEmbed(name string, u stats.UserTotals) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: "📊 Statistics for " + name,
		Color: colorPurple,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Use /mystats any time",
		},
	}
	add := func(name, value string) {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true})
	}

	add("📥 Total downloads", fmt.Sprintf("**%d** videos (%d files)", u.Downloads, u.Clips))
	if u.Rank > 0 {
		add("🏆 Rank", fmt.Sprintf("%s **#%d**", medal(u.Rank), u.Rank))
	} else {
		add("🏆 Rank", "Unranked")
	}
	if p := u.Preferred(); p != "" {
		add("⭐ Favourite platform", fmt.Sprintf("%s (%d)", platformLabel(p), u.ByPlatform[p]))
	} else if u.Downloads > 0 {
		add("⭐ Favourite platform", "🤝 Balanced")
	}
	for _, p := range sortedPlatforms(u.ByPlatform) {
		add(platformLabel(p), fmt.Sprintf("%d downloads", u.ByPlatform[p]))
	}
	if !u.Last.IsZero() {
		add("🕐 Last activity", fmt.Sprintf("<t:%d:R>", u.Last.Unix()))
	}
	return e
}

func globalStatsEmbed(g stats.GlobalTotals, top []stats.LeaderboardEntry) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:     "🌍 Global statistics",
		Color:     colorGold,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📥 Downloads", Value: fmt.Sprintf("**%d**", g.Downloads), Inline: true},
			{Name: "👥 Users", Value: fmt.Sprintf("**%d**", g.Users), Inline: true},
			{Name: "🎞️ Distinct videos", Value: fmt.Sprintf("**%d**", g.Videos), Inline: true},
		},
	}
	var lines []string
	for _, p := range sortedPlatforms(g.ByPlatform) {
		lines = append(lines, fmt.Sprintf("%s: **%d**", platformLabel(p), g.ByPlatform[p]))
	}
	if len(lines) > 0 {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "📊 By platform", Value: strings.Join(lines, "\n")})
	}

	lines = lines[:0]
	for i, entry := range top {
		name := entry.UserName
		if name == "" {
			name = "<@" + entry.UserID + ">"
		}
		lines = append(lines, fmt.Sprintf("%s **%s** - %d", medal(i+1), name, entry.Downloads))
	}
	if len(lines) == 0 {
		lines = append(lines, "No downloads yet")
	}
	e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "🏆 Leaderboard", Value: strings.Join(lines, "\n")})
	return e
}

func notice(title, desc string, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{Title: title, Description: desc, Color: color}
}

func linkedEmbed(handle, channelID string, changed bool) *discordgo.MessageEmbed {
	e := notice("✅ TikTok account linked",
		fmt.Sprintf("`@%s` is linked.\n\nYour new videos will be shared in <#%s>", handle, channelID), colorGreen)
	if !changed {
		e.Title = "✅ Already linked"
		e.Description = fmt.Sprintf("You are already linked to `@%s`.", handle)
	}
	e.Footer = &discordgo.MessageEmbedFooter{Text: "Videos are checked every 5 minutes"}
	return e
}

func myTikTokEmbed(a tracker.Account, channelID string) *discordgo.MessageEmbed {
	desc := fmt.Sprintf("**Linked account:** `@%s`", a.Handle)
	if channelID != "" {
		desc += fmt.Sprintf("\n**Notification channel:** <#%s>", channelID)
	}
	return &discordgo.MessageEmbed{
		Title:       "🎵 Your TikTok account",
		Description: desc,
		Color:       colorTikTok,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "TikTok link", Value: tracker.ProfileURL(a.Handle)},
		},
	}
}

func linkedListEmbed(accounts []tracker.Account, channelID string) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Title: "📋 Linked TikTok accounts", Color: colorBlue}
	if len(accounts) == 0 {
		e.Description = "No TikTok account is linked yet"
		return e
	}
	e.Description = fmt.Sprintf("**%d** linked account(s)", len(accounts))
	for _, a := range accounts {
		// embeds hold at most 25 fields
		if len(e.Fields) == 25 {
			break
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "@" + a.Handle, Value: "👤 <@" + a.UserID + ">", Inline: true})
	}
	if channelID != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: "Channel ID: " + channelID}
	}
	return e
}

func announcementEmbed(a tracker.Announcement, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🎵 New TikTok video!",
		URL:         a.URL,
		Description: fmt.Sprintf("<@%s> posted a new video!\n\n**Link:** [Watch the video](%s)", a.UserID, a.URL),
		Color:       colorTikTok,
		Author:      &discordgo.MessageEmbedAuthor{Name: "@" + a.Handle, URL: tracker.ProfileURL(a.Handle)},
		Footer:      &discordgo.MessageEmbedFooter{Text: "TikTok Auto-Share"},
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}
