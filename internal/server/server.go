package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/pushhub/internal/dispatch"
	"github.com/nao1215/pushhub/internal/push"
	"github.com/nao1215/pushhub/internal/subscription"
	"github.com/nao1215/pushhub/pkg/middleware"
)

const defaultShutdownTimeout = 10 * time.Second

// Dispatcher は通知の配信を起動する。
type Dispatcher interface {
	Dispatch(ctx context.Context, n push.Notification) (*dispatch.Report, error)
}

// Options はHTTPサーバーの設定。
type Options struct {
	// Port はリッスンポート。
	Port string
	// AuthToken は管理系APIのBearerトークン。
	AuthToken string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// Server はpushhubのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// opts はサーバーの設定。
	opts Options
	// store は購読ストア。
	store subscription.Store
	// dispatcher は配信の実行者。
	dispatcher Dispatcher
	// publicKey はブラウザに配布するVAPID公開鍵。
	publicKey string
	// log はサーバーのロガー。
	log zerolog.Logger
}

// NewServer は新しいHTTPサーバーを生成する。
func NewServer(store subscription.Store, dispatcher Dispatcher, publicKey string, opts Options, log zerolog.Logger) *Server {
	log = log.With().Str("component", "server").Logger()

	router := gin.New()
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:     router,
		opts:       opts,
		store:      store,
		dispatcher: dispatcher,
		publicKey:  publicKey,
		log:        log,
	}
	s.setupRoutes()

	return s
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("HTTPサーバーを起動します")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("HTTPサーバーを停止します")
	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		// ブラウザから呼ばれるため認証しない
		api.GET("/vapid-public-key", s.handlePublicKey())
		api.POST("/subscriptions", s.handleSubscribe())
		api.DELETE("/subscriptions", s.handleUnsubscribe())

		admin := api.Group("")
		admin.Use(middleware.BearerToken(s.opts.AuthToken))
		{
			admin.GET("/subscriptions", s.handleListSubscriptions())
			admin.POST("/notifications", s.handleNotify())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pushhub"})
	})
}

// handlePublicKey はVAPID公開鍵を返すハンドラ。
func (s *Server) handlePublicKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"public_key": s.publicKey})
	}
}

// subscribeRequest は購読登録リクエストのJSON構造。
// フラットな形式とブラウザのPushSubscription.toJSON()の形式の両方を受け付ける。
type subscribeRequest struct {
	// Endpoint はプッシュサービスのエンドポイント。
	Endpoint string `json:"endpoint"`
	// Auth はフラット形式の共有シークレット。
	Auth string `json:"auth"`
	// P256dh はフラット形式の公開鍵。
	P256dh string `json:"p256dh"`
	// Keys はPushSubscription.toJSON()形式の鍵。
	Keys *struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

// subscription はリクエストを購読情報に変換する。フラット形式の値を優先する。
func (r subscribeRequest) subscription() subscription.Subscription {
	sub := subscription.Subscription{Endpoint: r.Endpoint, Auth: r.Auth, P256dh: r.P256dh}
	if r.Keys != nil {
		if sub.Auth == "" {
			sub.Auth = r.Keys.Auth
		}
		if sub.P256dh == "" {
			sub.P256dh = r.Keys.P256dh
		}
	}
	return sub
}

// handleSubscribe は購読を登録するハンドラ。
func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sub := req.subscription()
		if err := sub.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := push.ValidateKeys(sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := s.store.Insert(c.Request.Context(), sub)
		switch {
		case errors.Is(err, subscription.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": "この購読は既に登録されています"})
			return
		case errors.Is(err, subscription.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の登録に失敗しました"})
			s.log.Error().Err(err).Msg("購読登録エラー")
			return
		}

		c.JSON(http.StatusCreated, gin.H{"message": "購読を登録しました"})
	}
}

// unsubscribeRequest は購読解除リクエストのJSON構造。
type unsubscribeRequest struct {
	// Endpoint は解除するエンドポイント。
	Endpoint string `json:"endpoint" binding:"required"`
}

// handleUnsubscribe は購読を解除するハンドラ。存在しないエンドポイントでも成功とする。
func (s *Server) handleUnsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.store.DeleteByEndpoint(c.Request.Context(), req.Endpoint); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の解除に失敗しました"})
			s.log.Error().Err(err).Msg("購読解除エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "購読を解除しました"})
	}
}

// subscriptionResponse は購読一覧の要素。鍵は返さない。
type subscriptionResponse struct {
	// Endpoint は購読のエンドポイント。
	Endpoint string `json:"endpoint"`
}

// handleListSubscriptions は登録済みの購読一覧を返すハンドラ。
func (s *Server) handleListSubscriptions() gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := s.store.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読一覧の取得に失敗しました"})
			s.log.Error().Err(err).Msg("購読一覧取得エラー")
			return
		}

		responses := make([]subscriptionResponse, 0, len(subs))
		for _, sub := range subs {
			responses = append(responses, subscriptionResponse{Endpoint: sub.Endpoint})
		}
		c.JSON(http.StatusOK, gin.H{"count": len(responses), "subscriptions": responses})
	}
}

// handleNotify は全購読者への配信を実行するハンドラ。
// 本文が空の場合は固定の通知を配信する。配信が終わるまで応答しない。
func (s *Server) handleNotify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var n push.Notification
		if err := c.ShouldBindJSON(&n); err != nil {
			if !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
				return
			}
			n = push.DefaultNotification()
		}

		payload, err := n.Payload()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(payload) > push.MaxPayloadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%v: %dバイト", push.ErrPayloadTooLarge, len(payload))})
			return
		}

		report, err := s.dispatcher.Dispatch(c.Request.Context(), n)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, dispatch.ErrCannotStart) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": "配信を開始できませんでした"})
			s.log.Error().Err(err).Msg("配信エラー")
			return
		}

		c.JSON(http.StatusOK, report)
	}
}
