package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/pushhub/internal/dispatch"
	"github.com/nao1215/pushhub/internal/push"
	"github.com/nao1215/pushhub/pkg/vapid"
)

// ErrNoVAPIDKey はVAPID秘密鍵が設定されていないことを表す。
var ErrNoVAPIDKey = errors.New("VAPID秘密鍵が設定されていません")

// Config はpushhub全体の設定。
type Config struct {
	// Server はHTTPサーバーの設定。
	Server ServerConfig `yaml:"server"`
	// Database は購読ストアの設定。
	Database DatabaseConfig `yaml:"database"`
	// VAPID は署名鍵の設定。
	VAPID VAPIDConfig `yaml:"vapid"`
	// Push は配信の設定。
	Push PushConfig `yaml:"push"`
	// Log はログの設定。
	Log LogConfig `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `yaml:"port"`
	// AuthToken は管理系APIのBearerトークン。空の場合、管理系APIは503を返す。
	AuthToken string `yaml:"auth_token"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig は購読ストアの設定。
type DatabaseConfig struct {
	// Path はSQLiteファイルのパス。
	Path string `yaml:"path"`
}

// VAPIDConfig は署名鍵の設定。PrivateKeyがPrivateKeyFileより優先される。
type VAPIDConfig struct {
	// PrivateKey はbase64urlまたはPEM形式の秘密鍵。
	PrivateKey string `yaml:"private_key"`
	// PrivateKeyFile は秘密鍵を保存したファイルのパス。
	PrivateKeyFile string `yaml:"private_key_file"`
	// Subject はVAPIDのsub claim（mailto:またはhttps:）。
	Subject string `yaml:"subject"`
	// Validity はアサーションの有効期間。最大24時間。
	Validity time.Duration `yaml:"validity"`
}

// PushConfig は配信の設定。
type PushConfig struct {
	// TTL はプッシュサービスでの保持時間。
	TTL time.Duration `yaml:"ttl"`
	// Urgency はUrgencyヘッダーの値。空の場合は付けない。
	Urgency string `yaml:"urgency"`
	// Timeout はプッシュサービスへの1リクエストのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
	// Concurrency は同時送信数の上限。0は無制限。
	Concurrency int `yaml:"concurrency"`
	// SnapshotAttempts は購読一覧取得の試行回数。
	SnapshotAttempts uint `yaml:"snapshot_attempts"`
}

// LogConfig はログの設定。
type LogConfig struct {
	// Level はzerologのログレベル名。
	Level string `yaml:"level"`
}

// Default は既定値の設定を返す。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "3000",
			AllowedOrigins:  []string{},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "subscriptions.db",
		},
		VAPID: VAPIDConfig{
			Subject:  "mailto:admin@example.com",
			Validity: vapid.DefaultValidity,
		},
		Push: PushConfig{
			TTL:              push.DefaultTTL,
			Timeout:          push.DefaultTimeout,
			SnapshotAttempts: dispatch.DefaultSnapshotAttempts,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は既定値にYAMLファイルの内容を重ねた設定を返す。
// pathが空の場合は既定値をそのまま返す。指定されたファイルが存在しない場合はエラー。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return &cfg, nil
}

// Validate は設定値を検証する。鍵の有無は検証しない（genkeys等では不要なため）。
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required),
		validation.Field(&c.Server.ShutdownTimeout, validation.Min(time.Duration(0))),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Path, validation.Required),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validation.ValidateStruct(&c.VAPID,
		validation.Field(&c.VAPID.Subject, validation.Required),
		validation.Field(&c.VAPID.Validity, validation.Min(time.Duration(0)), validation.Max(vapid.MaxValidity)),
	); err != nil {
		return fmt.Errorf("vapid: %w", err)
	}
	if err := validation.ValidateStruct(&c.Push,
		validation.Field(&c.Push.TTL, validation.Min(time.Duration(0))),
		validation.Field(&c.Push.Urgency, validation.By(validUrgency)),
		validation.Field(&c.Push.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Push.Concurrency, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func validUrgency(value any) error {
	s, _ := value.(string)
	if !push.Urgency(s).Valid() {
		return errors.New("very-low, low, normal, highのいずれかを指定してください")
	}
	return nil
}

// Signer はVAPID鍵の設定から署名コンテキストを生成する。
// 鍵が設定されていない場合はErrNoVAPIDKeyを返す。
func (c *Config) Signer() (*vapid.Signer, error) {
	switch {
	case c.VAPID.PrivateKey != "":
		return vapid.Load(c.VAPID.PrivateKey, c.VAPID.Subject)
	case c.VAPID.PrivateKeyFile != "":
		return vapid.LoadFile(c.VAPID.PrivateKeyFile, c.VAPID.Subject)
	default:
		return nil, ErrNoVAPIDKey
	}
}

// BuilderConfig はメッセージ組み立ての設定を返す。
func (c *Config) BuilderConfig() push.BuilderConfig {
	return push.BuilderConfig{
		TTL:      c.Push.TTL,
		Urgency:  push.Urgency(c.Push.Urgency),
		Validity: c.VAPID.Validity,
	}
}

// DispatchOptions は配信の設定を返す。
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Concurrency:      c.Push.Concurrency,
		SnapshotAttempts: c.Push.SnapshotAttempts,
	}
}
