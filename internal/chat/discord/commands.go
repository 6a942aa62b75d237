package discord

import (
	"github.com/bwmarrin/discordgo"
)

var (
	permAdmin          int64 = discordgo.PermissionAdministrator
	permManageChannels int64 = discordgo.PermissionManageChannels
)

func urlOption(desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "url",
		Description: desc,
		Required:    true,
	}
}

// commandDefs lists every slash command the bot registers.
func commandDefs() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "youtube",
			Description: "Cut a YouTube video into 60s vertical clips",
			Options: []*discordgo.ApplicationCommandOption{
				urlOption("YouTube video link"),
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "subtitles",
					Description: "Burn French/English subtitles into the clips",
				},
			},
		},
		{
			Name:        "video",
			Description: "Cut a video from any supported site into high-quality 60s clips",
			Options: []*discordgo.ApplicationCommandOption{
				urlOption("Video link"),
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "subtitles",
					Description: "Burn subtitles into the clips when available",
				},
			},
		},
		{
			Name:        "tiktok",
			Description: "Cut a TikTok video into 60s clips",
			Options:     []*discordgo.ApplicationCommandOption{urlOption("TikTok video link")},
		},
		{
			Name:        "instagram",
			Description: "Download an Instagram reel or video (sent by DM)",
			Options:     []*discordgo.ApplicationCommandOption{urlOption("Instagram post or reel link")},
		},
		{
			Name:        "pinterest",
			Description: "Download a Pinterest video in the best quality",
			Options:     []*discordgo.ApplicationCommandOption{urlOption("Pin link (pinterest.com/pin/... or pin.it/...)")},
		},
		{
			Name:        "upscale",
			Description: "Upscale an image x4 with Real-ESRGAN",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        "image",
				Description: "The image to upscale",
				Required:    true,
			}},
		},
		{
			Name:        "mystats",
			Description: "Show your download statistics and rank",
		},
		{
			Name:                     "stats",
			Description:              "[ADMIN] Show bot statistics",
			DefaultMemberPermissions: &permManageChannels,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "Which statistics to show",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "📊 One user", Value: "personal"},
						{Name: "🌍 Global", Value: "global"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "User to look up",
				},
			},
		},
		{
			Name:        "ping",
			Description: "Show the bot latency",
		},
		{
			Name:        "linktiktok",
			Description: "Link your TikTok account to share your new videos automatically",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "username",
				Description: "Your TikTok username (without @)",
				Required:    true,
			}},
		},
		{
			Name:        "unlinktiktok",
			Description: "Unlink your TikTok account",
		},
		{
			Name:        "mytiktok",
			Description: "Show your linked TikTok account",
		},
		{
			Name:                     "settiktokchannel",
			Description:              "Set the channel for new TikTok videos",
			DefaultMemberPermissions: &permAdmin,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         "channel",
				Description:  "Where new videos are posted",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			}},
		},
		{
			Name:                     "linkedtiktoks",
			Description:              "List every linked TikTok account",
			DefaultMemberPermissions: &permAdmin,
		},
	}
}

// options indexes the top-level options of a command by name.
func options(data discordgo.ApplicationCommandInteractionData) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, o := range data.Options {
		m[o.Name] = o
	}
	return m
}

func stringOpt(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok && o.Type == discordgo.ApplicationCommandOptionString {
		return o.StringValue()
	}
	return ""
}

func boolOpt(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) bool {
	if o, ok := opts[name]; ok && o.Type == discordgo.ApplicationCommandOptionBoolean {
		return o.BoolValue()
	}
	return false
}

// idOpt returns the snowflake of a user or channel option.
func idOpt(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok {
		if s, ok := o.Value.(string); ok {
			return s
		}
	}
	return ""
}

// attachmentOpt resolves an attachment option to the uploaded file.
func attachmentOpt(data discordgo.ApplicationCommandInteractionData, opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.MessageAttachment {
	id := idOpt(opts, name)
	if id == "" || data.Resolved == nil {
		return nil
	}
	return data.Resolved.Attachments[id]
}
