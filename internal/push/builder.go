package push

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/pushhub/internal/subscription"
	"github.com/nao1215/pushhub/pkg/vapid"
)

const (
	// DefaultTTL はプッシュサービスがオフライン端末向けにメッセージを保持する既定時間。
	DefaultTTL = 24 * time.Hour
)

// ErrMalformedSubscription は購読のエンドポイントや鍵が不正でメッセージを組み立てられない場合に返される。
// 保存データの破損と攻撃を区別できないため、この失敗では購読を削除しない。
var ErrMalformedSubscription = errors.New("購読情報が不正です")

// Urgency はプッシュサービスに伝える配信の緊急度 (RFC 8030)。
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// Valid は既知の緊急度かどうかを返す。空文字列はヘッダーを付けないことを表し有効とする。
func (u Urgency) Valid() bool {
	switch u {
	case "", UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// Message は送信準備ができたWeb Pushリクエスト。
type Message struct {
	// Endpoint は送信先の購読エンドポイント。
	Endpoint string
	// Header はAuthorization・TTL・Content-Encoding等のHTTPヘッダー。
	Header http.Header
	// Body はaes128gcmヘッダーと暗号文からなる本文。
	Body []byte
	// Salt は暗号化に使ったsalt。本文のヘッダーにも含まれる。
	Salt []byte
	// ServerPublicKey は暗号化に使った一時公開鍵。本文のヘッダーにも含まれる。
	ServerPublicKey []byte
}

// BuilderConfig はメッセージ組み立ての設定。
type BuilderConfig struct {
	// TTL はプッシュサービスでの保持時間。0の場合はDefaultTTL。
	TTL time.Duration
	// Urgency はUrgencyヘッダーの値。空の場合は付けない。
	Urgency Urgency
	// Validity はVAPIDアサーションの有効期間。0の場合はvapid.DefaultValidity。
	Validity time.Duration
}

// Builder は購読ごとに暗号化・署名済みのMessageを生成する。
// 並行に使用できる。
type Builder struct {
	signer *vapid.Signer
	cfg    BuilderConfig
	random io.Reader
}

// NewBuilder は署名コンテキストを共有するBuilderを生成する。
func NewBuilder(signer *vapid.Signer, cfg BuilderConfig) (*Builder, error) {
	if signer == nil {
		return nil, errors.New("VAPID署名コンテキストが必要です")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if !cfg.Urgency.Valid() {
		return nil, fmt.Errorf("不明な緊急度です: %q", cfg.Urgency)
	}
	return &Builder{signer: signer, cfg: cfg, random: rand.Reader}, nil
}

// Build は購読1件分のMessageを組み立てる。
// 鍵の共有・暗号化・エンドポイントのオリジンに対する署名の順に行い、
// いずれかが失敗した場合はその購読だけの失敗としてエラーを返す。
func (b *Builder) Build(sub subscription.Subscription, n Notification) (*Message, error) {
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || !endpoint.IsAbs() || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: エンドポイントが絶対URLではありません", ErrMalformedSubscription)
	}

	userPublicKey, authSecret, err := DecodeKeys(sub)
	if err != nil {
		return nil, err
	}

	payload, err := n.Payload()
	if err != nil {
		return nil, err
	}

	enc, err := encrypt(payload, userPublicKey, authSecret, b.random)
	if err != nil {
		return nil, err
	}

	authorization, err := b.signer.Authorization(sub.Endpoint, b.cfg.Validity)
	if err != nil {
		return nil, fmt.Errorf("VAPIDアサーションの生成に失敗: %w", err)
	}

	header := make(http.Header)
	header.Set("Authorization", authorization)
	header.Set("Content-Encoding", "aes128gcm")
	header.Set("Content-Type", "application/octet-stream")
	header.Set("TTL", strconv.Itoa(int(b.cfg.TTL/time.Second)))
	if b.cfg.Urgency != "" {
		header.Set("Urgency", string(b.cfg.Urgency))
	}

	return &Message{
		Endpoint:        sub.Endpoint,
		Header:          header,
		Body:            enc.body(),
		Salt:            enc.salt,
		ServerPublicKey: enc.serverPublicKey,
	}, nil
}

// DecodeKeys は購読のp256dhとauthをデコードし、長さを検証する。
func DecodeKeys(sub subscription.Subscription) (publicKey, auth []byte, err error) {
	publicKey, err = vapid.DecodeBase64(sub.P256dh)
	if err != nil || len(publicKey) != publicKeyLen {
		return nil, nil, fmt.Errorf("%w: p256dhは%dバイトのbase64urlである必要があります", ErrMalformedSubscription, publicKeyLen)
	}
	auth, err = vapid.DecodeBase64(sub.Auth)
	if err != nil || len(auth) != authLen {
		return nil, nil, fmt.Errorf("%w: authは%dバイトのbase64urlである必要があります", ErrMalformedSubscription, authLen)
	}
	return publicKey, auth, nil
}

// ValidateKeys は購読の鍵がWeb Pushの暗号化に使える形式かを検証する。
// 登録時に不正な購読を早期に弾くために使う。
func ValidateKeys(sub subscription.Subscription) error {
	publicKey, _, err := DecodeKeys(sub)
	if err != nil {
		return err
	}
	if _, err := ecdh.P256().NewPublicKey(publicKey); err != nil {
		return fmt.Errorf("%w: p256dhがP-256の公開鍵ではありません", ErrMalformedSubscription)
	}
	return nil
}
