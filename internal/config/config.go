package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/memohai/imbridge/internal/channel"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultMaxFileSizeMB  = 20
	DefaultMediaTimeoutMS = 30000
	DefaultFFmpegPath     = "ffmpeg"
)

type Config struct {
	Log      LogConfig       `toml:"log" yaml:"log"`
	Server   ServerConfig    `toml:"server" yaml:"server"`
	Auth     AuthConfig      `toml:"auth" yaml:"auth"`
	Media    MediaConfig     `toml:"media" yaml:"media"`
	Reply    ReplyConfig     `toml:"reply" yaml:"reply"`
	ASR      ASRConfig       `toml:"asr" yaml:"asr"`
	Accounts []AccountConfig `toml:"accounts" yaml:"accounts"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL"`
	Format string `toml:"format" yaml:"format" env:"FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" env:"ADDR"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in" env:"JWT_EXPIRES_IN"`
}

// ExpiresIn parses JWTExpiresIn, falling back to the default on bad input.
func (c AuthConfig) ExpiresIn() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.JWTExpiresIn))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

type MediaConfig struct {
	MaxFileSizeMB   int    `toml:"max_file_size_mb" yaml:"max_file_size_mb" env:"MAX_FILE_SIZE_MB"`
	TimeoutMS       int    `toml:"timeout_ms" yaml:"timeout_ms" env:"TIMEOUT_MS"`
	FFmpegPath      string `toml:"ffmpeg_path" yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	SilkEncoderPath string `toml:"silk_encoder_path" yaml:"silk_encoder_path" env:"SILK_ENCODER_PATH"`
}

// MaxBytes returns the size cap in bytes.
func (c MediaConfig) MaxBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// Timeout returns the per-transfer timeout.
func (c MediaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type ReplyConfig struct {
	FinalOnly bool `toml:"final_only" yaml:"final_only" env:"FINAL_ONLY"`
}

// ASRConfig toggles speech recognition text on inbound voice. The bridge
// itself only forwards what the platform recognized.
type ASRConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" env:"ENABLED"`
}

// AccountConfig is one platform account. Secrets may be given as
// ${ENV_NAME} to keep them out of the file.
type AccountConfig struct {
	ID             string `toml:"id" yaml:"id"`
	Platform       string `toml:"platform" yaml:"platform"`
	AppID          string `toml:"app_id" yaml:"app_id"`
	Secret         string `toml:"secret" yaml:"secret"`
	Token          string `toml:"token" yaml:"token"`
	EncodingAESKey string `toml:"encoding_aes_key" yaml:"encoding_aes_key"`
	EncryptKey     string `toml:"encrypt_key" yaml:"encrypt_key"`
	ReceiverID     string `toml:"receiver_id" yaml:"receiver_id"`
	AgentID        string `toml:"agent_id" yaml:"agent_id"`
	RobotCode      string `toml:"robot_code" yaml:"robot_code"`
	WebhookKey     string `toml:"webhook_key" yaml:"webhook_key"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Disabled       bool   `toml:"disabled" yaml:"disabled"`
}

// ChannelConfig converts the account into the channel layer form.
func (a AccountConfig) ChannelConfig() channel.ChannelConfig {
	return channel.ChannelConfig{
		ID:             strings.TrimSpace(a.ID),
		ChannelType:    channel.ChannelType(strings.ToLower(strings.TrimSpace(a.Platform))),
		AppID:          expand(a.AppID),
		Secret:         expand(a.Secret),
		Token:          expand(a.Token),
		EncodingAESKey: expand(a.EncodingAESKey),
		EncryptKey:     expand(a.EncryptKey),
		ReceiverID:     strings.TrimSpace(a.ReceiverID),
		AgentID:        strings.TrimSpace(a.AgentID),
		RobotCode:      strings.TrimSpace(a.RobotCode),
		WebhookKey:     expand(a.WebhookKey),
		Endpoint:       strings.TrimSpace(a.Endpoint),
		Disabled:       a.Disabled,
	}
}

// ChannelConfigs converts every configured account.
func (c Config) ChannelConfigs() []channel.ChannelConfig {
	out := make([]channel.ChannelConfig, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a.ChannelConfig())
	}
	return out
}

func expand(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Media: MediaConfig{
			MaxFileSizeMB: DefaultMaxFileSizeMB,
			TimeoutMS:     DefaultMediaTimeoutMS,
			FFmpegPath:    DefaultFFmpegPath,
		},
	}
}

// Load reads the file at path (toml, or yaml by extension) over the
// defaults, then applies IMBRIDGE_* environment overrides. A missing file
// is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides the scalar sections from IMBRIDGE_<SECTION>_<KEY>.
// Accounts are file-only; their secrets use ${ENV_NAME} instead.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"IMBRIDGE_LOG_", &cfg.Log},
		{"IMBRIDGE_SERVER_", &cfg.Server},
		{"IMBRIDGE_AUTH_", &cfg.Auth},
		{"IMBRIDGE_MEDIA_", &cfg.Media},
		{"IMBRIDGE_REPLY_", &cfg.Reply},
		{"IMBRIDGE_ASR_", &cfg.ASR},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: s.prefix}); err != nil {
			return fmt.Errorf("parse env %s*: %w", s.prefix, err)
		}
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
}

func (c Config) validate() error {
	if c.Media.MaxFileSizeMB <= 0 {
		return fmt.Errorf("media.max_file_size_mb must be positive")
	}
	if c.Media.TimeoutMS <= 0 {
		return fmt.Errorf("media.timeout_ms must be positive")
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(a.Platform) == "" {
			return fmt.Errorf("accounts[%d]: platform is required", i)
		}
	}
	return nil
}
