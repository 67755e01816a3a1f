// pushhubのエントリポイント。
// ブラウザのWeb Push購読を受け付けるHTTPサーバーの起動、CLIからの配信、
// VAPID鍵ペアの生成を行う。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nao1215/pushhub/internal/config"
	"github.com/nao1215/pushhub/internal/dispatch"
	"github.com/nao1215/pushhub/internal/push"
	"github.com/nao1215/pushhub/internal/server"
	"github.com/nao1215/pushhub/internal/subscription"
	"github.com/nao1215/pushhub/pkg/logging"
	"github.com/nao1215/pushhub/pkg/vapid"
)

// app はサブコマンド間で共有する設定とロガー。
type app struct {
	// configPath は設定ファイルのパス。
	configPath string
	// cfg はフラグと環境変数を反映した設定。
	cfg *config.Config
	// log はルートロガー。
	log zerolog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newCommand().Run(ctx, os.Args)
}

// newCommand はpushhubのルートコマンドを生成する。
func newCommand() *cli.Command {
	a := &app{}

	return &cli.Command{
		Name:      "pushhub",
		Usage:     "Web Push通知を全購読者へ配信する",
		UsageText: "pushhub [global options] command [command options]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "設定ファイル（YAML）のパス",
				Sources:     cli.EnvVars("PUSHHUB_CONFIG"),
				Destination: &a.configPath,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "ログレベル (debug, info, warn, error)",
				Sources: cli.EnvVars("PUSHHUB_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "購読を保存するSQLiteファイルのパス",
				Sources: cli.EnvVars("PUSHHUB_DB"),
			},
			&cli.StringFlag{
				Name:    "vapid-private-key",
				Usage:   "VAPID秘密鍵（base64urlまたはPEM）",
				Sources: cli.EnvVars("VAPID_PRIVATE_KEY"),
			},
			&cli.StringFlag{
				Name:    "vapid-private-key-file",
				Usage:   "VAPID秘密鍵ファイルのパス",
				Sources: cli.EnvVars("VAPID_PRIVATE_KEY_FILE"),
			},
			&cli.StringFlag{
				Name:    "vapid-subject",
				Usage:   "VAPIDのsub（mailto:またはhttps:）",
				Sources: cli.EnvVars("VAPID_SUBJECT"),
			},
		},
		Before: a.before,
		Commands: []*cli.Command{
			a.serveCommand(),
			a.notifyCommand(),
			genkeysCommand(),
		},
	}
}

// before は設定を既定値・設定ファイル・フラグの順に重ねてロガーを初期化する。
func (a *app) before(ctx context.Context, c *cli.Command) (context.Context, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return ctx, err
	}

	overrideString(c, "log-level", &cfg.Log.Level)
	overrideString(c, "db", &cfg.Database.Path)
	overrideString(c, "vapid-private-key", &cfg.VAPID.PrivateKey)
	overrideString(c, "vapid-private-key-file", &cfg.VAPID.PrivateKeyFile)
	overrideString(c, "vapid-subject", &cfg.VAPID.Subject)

	if err := cfg.Validate(); err != nil {
		return ctx, fmt.Errorf("設定が不正です: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, os.Stderr)
	if err != nil {
		return ctx, err
	}

	a.cfg = cfg
	a.log = logger
	return ctx, nil
}

// overrideString は明示的に指定されたフラグ・環境変数だけを設定に反映する。
func overrideString(c *cli.Command, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

// pipeline は配信に必要なストアと配信者を組み立てる。
func (a *app) pipeline(ctx context.Context) (*subscription.SQLiteStore, *dispatch.Dispatcher, *vapid.Signer, error) {
	signer, err := a.cfg.Signer()
	if err != nil {
		if errors.Is(err, config.ErrNoVAPIDKey) {
			return nil, nil, nil, fmt.Errorf("%w: pushhub genkeys で生成した鍵をVAPID_PRIVATE_KEYに設定してください", err)
		}
		return nil, nil, nil, err
	}

	builder, err := push.NewBuilder(signer, a.cfg.BuilderConfig())
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := subscription.Open(ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		return nil, nil, nil, err
	}

	d, err := dispatch.New(store, builder, push.NewClient(a.cfg.Push.Timeout), a.cfg.DispatchOptions(), a.log)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return store, d, signer, nil
}

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "購読の登録と配信を受け付けるHTTPサーバーを起動する",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Usage:   "リッスンポート",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "管理系APIのBearerトークン",
				Sources: cli.EnvVars("WEBPUSH_AUTH_BEARER_TOKEN"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "CORSで許可するオリジン",
				Sources: cli.EnvVars("PUSHHUB_ALLOWED_ORIGINS"),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			overrideString(c, "port", &a.cfg.Server.Port)
			overrideString(c, "auth-token", &a.cfg.Server.AuthToken)
			if c.IsSet("allowed-origins") {
				a.cfg.Server.AllowedOrigins = c.StringSlice("allowed-origins")
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("設定が不正です: %w", err)
			}

			store, d, signer, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if a.cfg.Server.AuthToken == "" {
				a.log.Warn().Msg("認証トークンが設定されていないため管理系APIは無効です")
			}

			srv := server.NewServer(store, d, signer.PublicKey(), server.Options{
				Port:            a.cfg.Server.Port,
				AuthToken:       a.cfg.Server.AuthToken,
				AllowedOrigins:  a.cfg.Server.AllowedOrigins,
				ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
			}, a.log)
			return srv.Run(ctx)
		},
	}
}

func (a *app) notifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "notify",
		Usage: "全購読者へ1回配信し、集計を表示する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "通知のタイトル"},
			&cli.StringFlag{Name: "body", Usage: "通知の本文"},
			&cli.StringFlag{Name: "url", Usage: "通知クリック時の遷移先"},
			&cli.BoolFlag{Name: "silent", Usage: "音やバイブレーションを抑止する"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			n := push.DefaultNotification()
			overrideString(c, "title", &n.Title)
			overrideString(c, "body", &n.Body)
			overrideString(c, "url", &n.URL)
			if c.IsSet("silent") {
				n.Silent = c.Bool("silent")
			}

			store, d, _, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := d.Dispatch(ctx, n)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("集計の出力に失敗: %w", err)
			}
			_, err = fmt.Fprintln(c.Root().Writer, string(out))
			return err
		},
	}
}

func genkeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkeys",
		Usage: "新しいVAPID鍵ペアを生成する",
		Action: func(_ context.Context, c *cli.Command) error {
			privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("VAPID鍵の生成に失敗: %w", err)
			}

			// 生成した鍵がpushhubで読み込めることを確認する
			signer, err := vapid.Load(privateKey, "mailto:admin@example.com")
			if err != nil {
				return err
			}
			if signer.PublicKey() != publicKey {
				return errors.New("生成した公開鍵が秘密鍵と一致しません")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "VAPID_PRIVATE_KEY=%s\n", privateKey)
			fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\n", publicKey)
			return nil
		},
	}
}
