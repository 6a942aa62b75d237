package pipeline

import (
	"github.com/wapuda/clipbot/internal/config"
	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/media"
)

const instagramDisclaimer = "⚠️ Downloads are for personal use only. Respect the rights of the original creators."

// Profiles returns the pipeline profile of every media command.
func Profiles(c config.Config) map[string]Profile {
	soft := config.Bytes(c.MaxFileSizeMB)
	return map[string]Profile{
		"youtube": {
			Name: "youtube", Platform: "youtube",
			Format:      media.FormatClip,
			Rate:        media.RateClip,
			Budget:      media.Budget{Ceiling: config.Bytes(c.YoutubeFileSizeMB)},
			Segmented:   true,
			UseUploader: true,
		},
		"video": {
			Name: "video", Platform: "video",
			Format:    media.FormatClip,
			Rate:      media.RateHQ,
			Budget:    media.Budget{Ceiling: soft, HardCeiling: config.Bytes(c.HardFileSizeMB)},
			Segmented: true,
		},
		"tiktok": {
			Name: "tiktok", Platform: "tiktok",
			Format:    media.FormatMP4,
			Rate:      media.RateClip,
			Budget:    media.Budget{Ceiling: soft},
			Segmented: true,
		},
		"instagram": {
			Name: "instagram", Platform: "instagram",
			Format:     media.FormatBest,
			Budget:     media.Budget{Ceiling: soft},
			Disclaimer: instagramDisclaimer,
			Delivery:   delivery.DMFirst,
		},
		"pinterest": {
			Name: "pinterest", Platform: "pinterest",
			Budget:      media.Budget{Ceiling: soft},
			UseUploader: true,
		},
	}
}
