package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrDuplicate は同じエンドポイントの購読が既に存在する場合に返される。
	ErrDuplicate = errors.New("同じエンドポイントの購読が既に存在します")
	// ErrInvalid は購読情報の検証に失敗した場合に返される。
	ErrInvalid = errors.New("購読情報が不正です")
)

// Subscription はブラウザ1つ分のWeb Push購読を表す。
type Subscription struct {
	// Endpoint はプッシュサービス上のメールボックスを指す絶対URL。一意キー。
	Endpoint string `json:"endpoint"`
	// Auth はコンテンツ暗号化鍵の導出に使う共有シークレット（base64url）。
	Auth string `json:"auth"`
	// P256dh は購読者のP-256公開鍵（base64url）。
	P256dh string `json:"p256dh"`
}

// Validate は購読情報の必須項目とエンドポイントの形式を検証する。
// 鍵の中身（長さや曲線上の点か）は送信時に検証する。
func (s Subscription) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Endpoint, validation.Required, validation.Length(1, 2048), validation.By(absoluteURL)),
		validation.Field(&s.Auth, validation.Required),
		validation.Field(&s.P256dh, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// absoluteURL はhttpまたはhttpsの絶対URLであることを検証するルール。
func absoluteURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("URLとして解析できません")
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("絶対URLである必要があります")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("httpまたはhttpsである必要があります")
	}
	return nil
}

// Store は購読情報の永続化を抽象化する。
// 実装はListと異なるキーのDeleteByEndpointを並行に呼び出せる必要がある。
type Store interface {
	// Insert は購読を追加する。同じエンドポイントが存在する場合はErrDuplicateを返す。
	Insert(ctx context.Context, sub Subscription) error
	// List は全購読のスナップショットを返す。
	List(ctx context.Context) ([]Subscription, error)
	// DeleteByEndpoint はエンドポイントに一致する購読を削除する。存在しなくてもエラーにしない。
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
