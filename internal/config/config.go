package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is read once at startup and held for the process lifetime.
type Config struct {
	DiscordToken   string
	DiscordGuildID string // "" = register commands globally
	TelegramToken  string

	TempDir      string
	GateCapacity int

	MaxFileSizeMB     float64 // direct-send ceiling
	HardFileSizeMB    float64 // stricter second ceiling for /video (0 = off)
	YoutubeFileSizeMB float64 // /youtube ceiling; oversize goes to the uploader

	UploadProvider   string // catbox|filebin|none
	CatboxURL        string
	FilebinBase      string
	FilebinBinPrefix string

	YtDlpPath    string
	FFmpegPath   string
	FFprobePath  string
	UpscalerPath string // realesrgan-ncnn-vulkan

	CookiesFile      string
	CookiesBrowser   string
	HeartbeatEvery   time.Duration
	SendDelay        time.Duration
	SweepRetryDelay  time.Duration
	ChannelByCommand map[string]string

	StatsDB         string
	RedisAddr       string
	StoreFile       string
	HTTPAddr        string
	TrackerInterval time.Duration
	WorkerConc      int
}

// fileConfig mirrors config/config.json.
type fileConfig struct {
	MaxDiscordFileSizeMB float64 `json:"max_discord_file_size_mb"`
	Youtube              struct {
		CookiesFile      string `json:"cookies_file"`
		PreferredBrowser string `json:"preferred_browser"`
	} `json:"youtube"`
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func mustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func mustFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if x, err := strconv.ParseFloat(v, 64); err == nil {
			return x
		}
	}
	return def
}
func mustDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load builds the config from config/config.json (optional) and the
// environment; environment values win.
func Load() (Config, error) {
	fc, err := readFile(getenv("CONFIG_FILE", filepath.Join("config", "config.json")))
	if err != nil {
		return Config{}, err
	}
	maxMB := 8.0
	if fc.MaxDiscordFileSizeMB > 0 {
		maxMB = fc.MaxDiscordFileSizeMB
	}

	channels := map[string]string{}
	for _, name := range []string{"youtube", "video", "instagram", "pinterest", "tiktok", "upscale"} {
		if v := strings.TrimSpace(os.Getenv("CHANNEL_" + strings.ToUpper(name))); v != "" {
			channels[name] = v
		}
	}

	c := Config{
		DiscordToken:      os.Getenv("DISCORD_TOKEN"),
		DiscordGuildID:    os.Getenv("DISCORD_GUILD_ID"),
		TelegramToken:     os.Getenv("TELEGRAM_TOKEN"),
		TempDir:           getenv("TEMP_DIR", filepath.Join(os.TempDir(), "clipbot")),
		GateCapacity:      mustInt("GATE_CAPACITY", 2),
		MaxFileSizeMB:     mustFloat("MAX_FILE_SIZE_MB", maxMB),
		HardFileSizeMB:    mustFloat("HARD_FILE_SIZE_MB", 9),
		YoutubeFileSizeMB: mustFloat("YOUTUBE_FILE_SIZE_MB", 10),
		UploadProvider:    strings.ToLower(getenv("UPLOAD_PROVIDER", "catbox")),
		CatboxURL:         getenv("CATBOX_URL", "https://catbox.moe/user/api.php"),
		FilebinBase:       strings.TrimRight(getenv("FILEBIN_BASE", "https://filebin.net"), "/"),
		FilebinBinPrefix:  getenv("FILEBIN_BIN_PREFIX", ""),
		YtDlpPath:         getenv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:        getenv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getenv("FFPROBE_PATH", "ffprobe"),
		UpscalerPath:      getenv("REALESRGAN_PATH", "realesrgan-ncnn-vulkan"),
		CookiesFile:       getenv("YOUTUBE_COOKIES_FILE", fc.Youtube.CookiesFile),
		CookiesBrowser:    getenv("YOUTUBE_BROWSER", fc.Youtube.PreferredBrowser),
		HeartbeatEvery:    mustDuration("HEARTBEAT_EVERY", 5*time.Second),
		SendDelay:         mustDuration("SEND_DELAY", 300*time.Millisecond),
		SweepRetryDelay:   mustDuration("SWEEP_RETRY_DELAY", 500*time.Millisecond),
		ChannelByCommand:  channels,
		StatsDB:           getenv("STATS_DB", filepath.Join("data", "stats.db")),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		StoreFile:         getenv("STORE_FILE", filepath.Join("data", "linked.json")),
		HTTPAddr:          getenv("HTTP_ADDR", ":"+getenv("PORT", "8080")),
		TrackerInterval:   mustDuration("TRACKER_INTERVAL", 5*time.Minute),
		WorkerConc:        mustInt("WORKER_CONCURRENCY", 1),
	}
	if c.GateCapacity < 1 {
		c.GateCapacity = 1
	}
	return c, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// Bytes converts a size in MB to bytes.
func Bytes(mb float64) int64 {
	return int64(mb * 1024 * 1024)
}
