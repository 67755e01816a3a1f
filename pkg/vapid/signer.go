package vapid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultValidity はアサーションの既定の有効期間。
	DefaultValidity = 12 * time.Hour
	// MaxValidity はRFC 8292で許容される有効期間の上限。
	MaxValidity = 24 * time.Hour
)

var (
	// ErrInvalidKey は秘密鍵の形式が不正な場合に返される。
	ErrInvalidKey = errors.New("VAPID秘密鍵が不正です")
	// ErrInvalidSubject はsubjectがmailto:またはhttps:で始まらない場合に返される。
	ErrInvalidSubject = errors.New("VAPID subjectが不正です")
	// ErrInvalidAudience はaudienceにするエンドポイントが不正な場合に返される。
	ErrInvalidAudience = errors.New("VAPID audienceが不正です")
)

// Signer はVAPIDアサーションを発行する署名コンテキスト。
// 生成後は不変であり、ロックなしで並行に使用できる。
type Signer struct {
	// privateKey はES256署名に使うP-256秘密鍵。外部に出力しない。
	privateKey *ecdsa.PrivateKey
	// publicKey は非圧縮形式の公開鍵をbase64url（パディングなし）にしたもの。
	publicKey string
	// subject はプッシュサービスが連絡先として使うsub claim。
	subject string
}

// NewSigner は秘密鍵とsubjectからSignerを生成する。
// subjectにメールアドレスのみが指定された場合は "mailto:" を付与する。
func NewSigner(key *ecdsa.PrivateKey, subject string) (*Signer, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: P-256の鍵が必要です", ErrInvalidKey)
	}

	sub, err := normalizeSubject(subject)
	if err != nil {
		return nil, err
	}

	ecdhKey, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Signer{
		privateKey: key,
		publicKey:  base64.RawURLEncoding.EncodeToString(ecdhKey.Bytes()),
		subject:    sub,
	}, nil
}

// Load は文字列表現の秘密鍵からSignerを生成する。
// 秘密鍵はbase64urlの32バイトのスカラー値、またはPEM形式を受け付ける。
func Load(privateKey, subject string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return NewSigner(key, subject)
}

// LoadFile はファイルに保存された秘密鍵からSignerを生成する。
func LoadFile(path, subject string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("VAPID秘密鍵ファイルの読み込みに失敗: %w", err)
	}
	return Load(string(data), subject)
}

// Generate は新しい鍵ペアでSignerを生成する。テストや鍵の初期作成に使う。
func Generate(subject string) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("VAPID鍵の生成に失敗: %w", err)
	}
	return NewSigner(key, subject)
}

// ParsePrivateKey はbase64urlまたはPEM形式のP-256秘密鍵を解析する。
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: 空の鍵です", ErrInvalidKey)
	}

	if strings.HasPrefix(s, "-----BEGIN") {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: P-256の鍵が必要です", ErrInvalidKey)
		}
		return key, nil
	}

	raw, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// PublicKey はクライアントのsubscribe時に applicationServerKey として渡す公開鍵を返す。
func (s *Signer) PublicKey() string {
	return s.publicKey
}

// Subject はsub claimに設定する値を返す。
func (s *Signer) Subject() string {
	return s.subject
}

// Sign はaudienceを対象とするVAPIDアサーション（JWT）を発行する。
// validityが0以下の場合はDefaultValidity、MaxValidityを超える場合はMaxValidityを使う。
func (s *Signer) Sign(audience string, validity time.Duration) (string, error) {
	if audience == "" {
		return "", ErrInvalidAudience
	}

	claims := jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(clampValidity(validity)).Unix(),
		"sub": s.subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("VAPIDアサーションの署名に失敗: %w", err)
	}
	return signed, nil
}

// Authorization はエンドポイントのオリジン向けにアサーションを発行し、
// Authorizationヘッダーの値（"vapid t=..., k=..."）を返す。
func (s *Signer) Authorization(endpoint string, validity time.Duration) (string, error) {
	origin, err := Origin(endpoint)
	if err != nil {
		return "", err
	}

	token, err := s.Sign(origin, validity)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vapid t=%s, k=%s", token, s.publicKey), nil
}

// Origin はエンドポイントURLからオリジン（scheme://host）を取り出す。
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAudience, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: 絶対URLではありません", ErrInvalidAudience)
	}
	return u.Scheme + "://" + u.Host, nil
}

// DecodeBase64 はWeb Pushで使われるbase64文字列をデコードする。
// base64url・標準base64のどちらも、パディングの有無を問わず受け付ける。
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

func normalizeSubject(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	switch {
	case strings.HasPrefix(subject, "mailto:"), strings.HasPrefix(subject, "https://"):
		return subject, nil
	case strings.Contains(subject, "@") && !strings.Contains(subject, ":"):
		return "mailto:" + subject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
}

func clampValidity(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultValidity
	case d > MaxValidity:
		return MaxValidity
	default:
		return d
	}
}
