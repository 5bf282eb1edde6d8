package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable for the bridge process. Values come from the
// environment (prefix CALLBRIDGE_) with conservative defaults; LoadFromEnv
// fails fast on anything out of range so a misconfigured process never
// answers a call.
type Config struct {
	Addr string

	// PublicStreamURL is the externally reachable websocket URL the telephony
	// provider is told to connect its media stream to (wss://host/media).
	PublicStreamURL string

	// Telephony media websocket.
	MediaHandshakeTimeout time.Duration
	MediaMaxMessageBytes  int64
	MediaWriteTimeout     time.Duration
	MediaFrameQueue       int

	// AI realtime leg.
	RealtimeURL        string
	RealtimeModel      string
	RealtimeAPIKey     string
	RealtimeVoice      string
	TranscriptionModel string
	AudioFormat        string
	AIConnectTimeout   time.Duration
	AIWriteTimeout     time.Duration
	AIMaxMessageBytes  int64

	// Conversation instructions (prompt text, may carry {{name}}-style
	// placeholders filled from the call's registered parameters).
	InstructionsPath string
	Greeting         string

	// Telephony provider control API (call hangup, recording).
	ProviderBaseURL    string
	ProviderAccountSID string
	ProviderAuthToken  string
	ProviderTimeout    time.Duration
	RecordCalls        bool

	// Transcript store. Empty DatabaseURL selects the in-memory store.
	DatabaseURL  string
	StoreTimeout time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("CALLBRIDGE_ADDR", ":8080"),
		PublicStreamURL:       strings.TrimSpace(os.Getenv("CALLBRIDGE_PUBLIC_STREAM_URL")),
		MediaHandshakeTimeout: envDurationOr("CALLBRIDGE_MEDIA_HANDSHAKE_TIMEOUT", 10*time.Second),
		MediaMaxMessageBytes:  envInt64Or("CALLBRIDGE_MEDIA_MAX_MESSAGE_BYTES", 64*1024),
		MediaWriteTimeout:     envDurationOr("CALLBRIDGE_MEDIA_WRITE_TIMEOUT", 5*time.Second),
		MediaFrameQueue:       envIntOr("CALLBRIDGE_MEDIA_FRAME_QUEUE", 256),
		RealtimeURL:           envOr("CALLBRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:         envOr("CALLBRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeVoice:         envOr("CALLBRIDGE_REALTIME_VOICE", "alloy"),
		TranscriptionModel:    envOr("CALLBRIDGE_TRANSCRIPTION_MODEL", "whisper-1"),
		AudioFormat:           envOr("CALLBRIDGE_AUDIO_FORMAT", "g711_ulaw"),
		AIConnectTimeout:      envDurationOr("CALLBRIDGE_AI_CONNECT_TIMEOUT", 10*time.Second),
		AIWriteTimeout:        envDurationOr("CALLBRIDGE_AI_WRITE_TIMEOUT", 5*time.Second),
		AIMaxMessageBytes:     envInt64Or("CALLBRIDGE_AI_MAX_MESSAGE_BYTES", 16<<20),
		InstructionsPath:      strings.TrimSpace(os.Getenv("CALLBRIDGE_INSTRUCTIONS_PATH")),
		Greeting:              envOr("CALLBRIDGE_GREETING", "Greet the caller and introduce yourself briefly."),
		ProviderBaseURL:       envOr("CALLBRIDGE_PROVIDER_BASE_URL", "https://api.twilio.com/2010-04-01"),
		ProviderAccountSID:    strings.TrimSpace(os.Getenv("CALLBRIDGE_PROVIDER_ACCOUNT_SID")),
		ProviderAuthToken:     strings.TrimSpace(os.Getenv("CALLBRIDGE_PROVIDER_AUTH_TOKEN")),
		ProviderTimeout:       envDurationOr("CALLBRIDGE_PROVIDER_TIMEOUT", 5*time.Second),
		RecordCalls:           envBoolOr("CALLBRIDGE_RECORD_CALLS", false),
		DatabaseURL:           strings.TrimSpace(os.Getenv("CALLBRIDGE_DATABASE_URL")),
		StoreTimeout:          envDurationOr("CALLBRIDGE_STORE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:     envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:           envDurationOr("CALLBRIDGE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if cfg.RealtimeAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.PublicStreamURL != "" {
		u, err := url.Parse(cfg.PublicStreamURL)
		if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") || u.Host == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_PUBLIC_STREAM_URL must be a ws:// or wss:// URL")
		}
	}
	if cfg.MediaHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MediaMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MediaWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MediaFrameQueue <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_FRAME_QUEUE must be > 0")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_MODEL must not be empty")
	}
	if cfg.AIConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_AI_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.AIWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_AI_WRITE_TIMEOUT must be > 0")
	}
	if cfg.AIMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_AI_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ProviderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PROVIDER_TIMEOUT must be > 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.RecordCalls && (cfg.ProviderAccountSID == "" || cfg.ProviderAuthToken == "") {
		return Config{}, fmt.Errorf("CALLBRIDGE_RECORD_CALLS requires provider credentials")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDurationOr accepts Go duration strings ("5s") and, for _MS-suffixed
// keys, bare integers interpreted as milliseconds.
func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if strings.HasSuffix(key, "_MS") {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
