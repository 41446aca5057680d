// Package config loads client settings: defaults, then an optional YAML
// file named by CLARA_CONFIG, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VoiceProfile holds the prosody used for a language's fallback speech.
type VoiceProfile struct {
	Rate   float64 `yaml:"rate"`
	Pitch  float64 `yaml:"pitch"`
	Volume float64 `yaml:"volume"`
}

type Config struct {
	LogLevel string `yaml:"log_level"`

	Channel   ChannelConfig   `yaml:"channel"`
	Signaling SignalingConfig `yaml:"signaling"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Speech    SpeechConfig    `yaml:"speech"`

	SaveDir            string `yaml:"save_dir"`
	SaveRetentionHours int    `yaml:"save_retention_hours"`
	SaveMaxFiles       int    `yaml:"save_max_files"`
	MetricsAddr        string `yaml:"metrics_addr"`
	MCPAddr            string `yaml:"mcp_addr"`

	// Staff replaces the built-in call roster when non-empty.
	Staff []StaffEntry `yaml:"staff"`
}

type StaffEntry struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

type ChannelConfig struct {
	Mode       string `yaml:"mode"` // gemini | ws
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	WSURL      string `yaml:"ws_url"`
	ClientName string `yaml:"client_name"`
}

type SignalingConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	ClientID      string `yaml:"client_id"`
	DefaultTarget string `yaml:"default_target"`
}

type CaptureConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceTimeoutMS int     `yaml:"silence_timeout_ms"`
	MicCommand       string  `yaml:"mic_command"`
}

type PlaybackConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	PlayerCommand string `yaml:"player_command"`
	DrainWaitMS   int    `yaml:"drain_wait_ms"`
}

type SpeechConfig struct {
	Engine          string                  `yaml:"engine"` // command | http | none
	Command         string                  `yaml:"command"`
	URL             string                  `yaml:"url"`
	AuthToken       string                  `yaml:"auth_token"`
	TimeoutMS       int                     `yaml:"timeout_ms"`
	MaxSegmentChars int                     `yaml:"max_segment_chars"`
	DedupeWindowMS  int                     `yaml:"dedupe_window_ms"`
	MinTimeoutMS    int                     `yaml:"min_timeout_ms"`
	DefaultLang     string                  `yaml:"default_lang"`
	TieBand         int                     `yaml:"tie_band"`
	Profiles        map[string]VoiceProfile `yaml:"profiles"`
	Locales         map[string]string       `yaml:"locales"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		LogLevel: "info",
		Channel: ChannelConfig{
			Mode:  "gemini",
			Model: "gemini-2.5-flash-native-audio-preview-09-2025",
			Voice: "Zephyr",
		},
		Capture: CaptureConfig{
			SampleRate:       16000,
			SilenceThreshold: 0.01,
			SilenceTimeoutMS: 2000,
			MicCommand:       "arecord",
		},
		Playback: PlaybackConfig{
			SampleRate:    24000,
			PlayerCommand: "ffplay",
			DrainWaitMS:   5000,
		},
		Speech: SpeechConfig{
			Engine:          "command",
			Command:         "espeak-ng",
			TimeoutMS:       10000,
			MaxSegmentChars: 150,
			DedupeWindowMS:  1800,
			MinTimeoutMS:    30000,
			DefaultLang:     "en",
			TieBand:         2,
		},
		SaveRetentionHours: 168,
		SaveMaxFiles:       2000,
	}
}

// Load reads CLARA_CONFIG (when set) over the defaults and then applies
// environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CLARA_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)

	str("CHANNEL_MODE", &cfg.Channel.Mode)
	str("GEMINI_API_KEY", &cfg.Channel.APIKey)
	str("GEMINI_MODEL", &cfg.Channel.Model)
	str("GEMINI_VOICE", &cfg.Channel.Voice)
	str("CHANNEL_WS_URL", &cfg.Channel.WSURL)
	str("CLIENT_NAME", &cfg.Channel.ClientName)

	str("SIGNALING_URL", &cfg.Signaling.URL)
	str("SIGNALING_TOKEN", &cfg.Signaling.Token)
	str("CLIENT_ID", &cfg.Signaling.ClientID)
	str("DEFAULT_CALL_TARGET", &cfg.Signaling.DefaultTarget)

	num("CAPTURE_SAMPLE_RATE", &cfg.Capture.SampleRate)
	flt("SILENCE_THRESHOLD", &cfg.Capture.SilenceThreshold)
	num("SILENCE_TIMEOUT_MS", &cfg.Capture.SilenceTimeoutMS)
	str("MIC_COMMAND", &cfg.Capture.MicCommand)

	num("OUTPUT_SAMPLE_RATE", &cfg.Playback.SampleRate)
	str("PLAYER_COMMAND", &cfg.Playback.PlayerCommand)
	num("REMOTE_DRAIN_WAIT_MS", &cfg.Playback.DrainWaitMS)

	str("TTS_ENGINE", &cfg.Speech.Engine)
	str("TTS_COMMAND", &cfg.Speech.Command)
	str("TTS_URL", &cfg.Speech.URL)
	str("TTS_AUTH_TOKEN", &cfg.Speech.AuthToken)
	num("TTS_TIMEOUT_MS", &cfg.Speech.TimeoutMS)
	num("SEGMENT_MAX_CHARS", &cfg.Speech.MaxSegmentChars)
	num("TTS_DEDUPE_WINDOW_MS", &cfg.Speech.DedupeWindowMS)
	num("TTS_MIN_TIMEOUT_MS", &cfg.Speech.MinTimeoutMS)
	str("LANG_DEFAULT", &cfg.Speech.DefaultLang)
	num("LANG_TIE_BAND", &cfg.Speech.TieBand)

	str("SAVE_DIR", &cfg.SaveDir)
	num("SAVE_RETENTION_HOURS", &cfg.SaveRetentionHours)
	num("SAVE_MAX_FILES", &cfg.SaveMaxFiles)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("MCP_ADDR", &cfg.MCPAddr)
}

// Validate rejects settings the audio pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Channel.Mode {
	case "gemini", "ws":
	default:
		return fmt.Errorf("config: unknown channel mode %q", c.Channel.Mode)
	}
	if c.Channel.Mode == "ws" && c.Channel.WSURL == "" {
		return fmt.Errorf("config: CHANNEL_WS_URL is required in ws mode")
	}
	switch c.Speech.Engine {
	case "command", "http", "none":
	default:
		return fmt.Errorf("config: unknown speech engine %q", c.Speech.Engine)
	}
	if c.Speech.Engine == "http" && c.Speech.URL == "" {
		return fmt.Errorf("config: TTS_URL is required for the http speech engine")
	}
	if c.Capture.SampleRate <= 0 || c.Playback.SampleRate <= 0 {
		return fmt.Errorf("config: sample rates must be positive")
	}
	if c.Speech.MaxSegmentChars < 20 {
		return fmt.Errorf("config: SEGMENT_MAX_CHARS must be at least 20, got %d", c.Speech.MaxSegmentChars)
	}
	if c.Speech.TieBand < 0 {
		return fmt.Errorf("config: LANG_TIE_BAND must not be negative")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c CaptureConfig) SilenceTimeout() time.Duration { return ms(c.SilenceTimeoutMS) }
func (c PlaybackConfig) DrainWait() time.Duration     { return ms(c.DrainWaitMS) }
func (c SpeechConfig) DedupeWindow() time.Duration    { return ms(c.DedupeWindowMS) }
func (c SpeechConfig) MinTimeout() time.Duration      { return ms(c.MinTimeoutMS) }
func (c SpeechConfig) Timeout() time.Duration         { return ms(c.TimeoutMS) }
func (c Config) SaveRetention() time.Duration         { return time.Duration(c.SaveRetentionHours) * time.Hour }
