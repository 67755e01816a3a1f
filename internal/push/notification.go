package push

import (
	"encoding/json"
	"fmt"
)

// Notification は全購読者に配信する通知内容。
type Notification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Silent はクライアントでの音やバイブレーションを抑止する。
	Silent bool `json:"silent"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url"`
}

// DefaultNotification は通知内容の指定がない配信で使う固定の通知を返す。
func DefaultNotification() Notification {
	return Notification{
		Title:  "テスト通知",
		Body:   "pushhubからのテスト通知です",
		Silent: false,
		URL:    "/",
	}
}

// Payload は通知をService Workerが復号後に読むJSONへ変換する。
// フィールド順は固定で、同じ通知からは常に同じバイト列になる。
func (n Notification) Payload() ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("通知のシリアライズに失敗: %w", err)
	}
	return b, nil
}
