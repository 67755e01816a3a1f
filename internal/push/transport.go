package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout はプッシュサービスへの1リクエストのタイムアウト。
	DefaultTimeout = 30 * time.Second
	// maxErrorBody はログに残すエラーレスポンス本文の上限。
	maxErrorBody = 1024
)

// ErrEndpointGone はプッシュサービスがエンドポイントの消滅または無効を通知したことを表す。
// この失敗に限り購読を削除してよい。
var ErrEndpointGone = errors.New("エンドポイントは無効です")

// RelayError はプッシュサービスが成功以外のステータスを返したことを表す。
type RelayError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンス本文の先頭部分。
	Body string
}

// Error はエラーメッセージを返す。
func (e *RelayError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("プッシュサービスがエラーを返しました: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("プッシュサービスがエラーを返しました: status=%d, body=%s", e.StatusCode, e.Body)
}

// Is は404 Not Foundと410 GoneをErrEndpointGoneとして扱う。
func (e *RelayError) Is(target error) bool {
	return target == ErrEndpointGone && e.Permanent()
}

// Permanent はエンドポイントが恒久的に使えないことを示すステータスかどうかを返す。
func (e *RelayError) Permanent() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Outcome は1件の配信結果の分類。
type Outcome int

const (
	// OutcomeDelivered はプッシュサービスが受け付けたことを表す。
	OutcomeDelivered Outcome = iota
	// OutcomeTransient は一時的な失敗。購読は残す。
	OutcomeTransient
	// OutcomePermanent はエンドポイントの消滅。購読を削除する。
	OutcomePermanent
)

// String はログ出力用の名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify は送信結果のエラーを分類する。
// メッセージ文字列ではなくエラーの同一性だけで判定する。
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, ErrEndpointGone):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

// StatusCode はエラーに含まれるプッシュサービスのステータスコードを返す。不明な場合は0。
func StatusCode(err error) int {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.StatusCode
	}
	return 0
}

// Client はプッシュサービスへMessageを送信するHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
}

// NewClient はタイムアウトを設定したClientを生成する。timeoutが0以下の場合はDefaultTimeout。
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send はMessageを1回だけPOSTする。リトライは行わない。
// 2xx以外は *RelayError、通信エラーはラップしたエラーを返す。
func (c *Client) Send(ctx context.Context, msg *Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for key, values := range msg.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// コネクション再利用のため残りを読み捨てる
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RelayError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return nil
}
