// Package dispatch は保存済みの全購読者への通知配信を行う。
//
// 1回の配信（ラウンド）では購読一覧のスナップショットを取り、購読ごとに
// メッセージを組み立てて並行に送信し、全件の結果が確定するまで待つ。
// プッシュサービスがエンドポイントの消滅を通知した購読だけを削除する。
// 個々の購読の失敗は他の購読や配信全体を中断しない。
package dispatch
