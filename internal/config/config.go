package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Durations are YAML strings
// such as "2s" or "500ms".
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	AudioSocket struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		SampleRate int    `yaml:"sample_rate"`
	} `yaml:"audiosocket"`
	Telephony     Telephony     `yaml:"telephony"`
	Endpoint      Endpoint      `yaml:"endpoint"`
	Call          Call          `yaml:"call"`
	Transcription Transcription `yaml:"transcription"`
	Credential    struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"credential"`
	Billing struct {
		RatePerMinute float64 `yaml:"rate_per_minute"`
	} `yaml:"billing"`
	Redis struct {
		Addr   string `yaml:"addr"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
	Firestore struct {
		Enabled    bool   `yaml:"enabled"`
		ProjectID  string `yaml:"project_id"`
		Collection string `yaml:"collection"`
	} `yaml:"firestore"`
	OpenAI struct {
		BaseURL      string `yaml:"base_url"`
		LeadModel    string `yaml:"lead_model"`
		WhisperModel string `yaml:"whisper_model"`
		LeadEveryN   int    `yaml:"lead_every_n"`
		LeadCuesPath string `yaml:"lead_cues_path"`
	} `yaml:"openai"`
	Journal struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"journal"`

	Secrets Secrets `yaml:"-"`
}

type Telephony struct {
	SignalingURL      string  `yaml:"signaling_url"`
	Identity          string  `yaml:"identity"`
	AccountSID        string  `yaml:"account_sid"`
	APIKeySID         string  `yaml:"api_key_sid"`
	TwiMLAppSID       string  `yaml:"twiml_app_sid"`
	TokenTTLSeconds   float64 `yaml:"token_ttl_seconds"`
	OriginalCallerKey string  `yaml:"original_caller_key"`
	// WebhookURL is the public voice webhook URL Twilio signs.
	WebhookURL string `yaml:"webhook_url"`
}

type Endpoint struct {
	// HealthInterval is how often the device is polled for an
	// out-of-band destruction.
	HealthInterval time.Duration `yaml:"health_interval"`
	// ConflictGrace is the window after a registration in which an
	// unregistered event is treated as an identity conflict.
	ConflictGrace time.Duration `yaml:"conflict_grace"`
}

type Call struct {
	AcceptDelay time.Duration `yaml:"accept_delay"`
}

type Transcription struct {
	RealtimeURL string `yaml:"realtime_url"`
	// SessionURL is where the issuer creates ephemeral sessions.
	SessionURL string `yaml:"session_url"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	VAD        VAD    `yaml:"vad"`
	// SendInterval is how often buffered channel audio is flushed upstream.
	SendInterval time.Duration `yaml:"send_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// VAD holds the server-side voice activity detection tuning sent with the
// session configuration.
type VAD struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// Secrets are read from the environment only.
type Secrets struct {
	TwilioAPISecret         string
	TwilioAuthToken         string
	OpenAIAPIKey            string
	RedisPassword           string
	FirebaseCredentialsFile string
	FirebaseCredentialsJSON string
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	c := &Config{}
	c.Server.Addr = ":8081"
	c.AudioSocket.Host = "0.0.0.0"
	c.AudioSocket.Port = 9092
	c.AudioSocket.SampleRate = 8000
	c.Telephony.TokenTTLSeconds = 3600
	c.Telephony.OriginalCallerKey = "originalCaller"
	c.Endpoint.HealthInterval = 2 * time.Second
	c.Endpoint.ConflictGrace = 2 * time.Second
	c.Call.AcceptDelay = 500 * time.Millisecond
	c.Transcription.RealtimeURL = "wss://api.openai.com/v1/realtime?intent=transcription"
	c.Transcription.SessionURL = "https://api.openai.com/v1/realtime/transcription_sessions"
	c.Transcription.Model = "gpt-4o-transcribe"
	c.Transcription.Language = "en"
	c.Transcription.VAD = VAD{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}
	c.Transcription.SendInterval = 50 * time.Millisecond
	c.Transcription.DialTimeout = 10 * time.Second
	c.Credential.BaseURL = "http://127.0.0.1:8081"
	c.Credential.Timeout = 10 * time.Second
	c.Billing.RatePerMinute = 0.06
	c.Redis.Addr = "127.0.0.1:6379"
	c.Redis.Prefix = "callassist:"
	c.Firestore.Collection = "calls"
	c.OpenAI.LeadModel = "gpt-4o-mini"
	c.OpenAI.WhisperModel = "whisper-1"
	c.OpenAI.LeadEveryN = 4
	c.Journal.OutputDir = "./journal"
	return c
}

// Load reads the YAML file over the defaults, then the .env file (if any)
// and the environment for secrets.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Secrets = Secrets{
		TwilioAPISecret:         os.Getenv("TWILIO_API_SECRET"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		FirebaseCredentialsFile: os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		FirebaseCredentialsJSON: os.Getenv("FIREBASE_CREDENTIALS_JSON"),
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		c.Telephony.AccountSID = v
	}
	if v := os.Getenv("TWILIO_API_KEY"); v != "" {
		c.Telephony.APIKeySID = v
	}
	if v := os.Getenv("OPERATOR_IDENTITY"); v != "" {
		c.Telephony.Identity = v
	}
}

// Validate reports every missing required value at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Telephony.SignalingURL == "" {
		missing = append(missing, "telephony.signaling_url")
	}
	if c.Telephony.Identity == "" {
		missing = append(missing, "telephony.identity")
	}
	if c.Telephony.AccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.Telephony.APIKeySID == "" {
		missing = append(missing, "TWILIO_API_KEY")
	}
	if c.Secrets.TwilioAPISecret == "" {
		missing = append(missing, "TWILIO_API_SECRET")
	}
	if c.Secrets.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.Endpoint.HealthInterval <= 0 {
		missing = append(missing, "endpoint.health_interval")
	}
	if c.Transcription.SendInterval <= 0 {
		missing = append(missing, "transcription.send_interval")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid config: %s", strings.Join(missing, ", "))
	}
	return nil
}
