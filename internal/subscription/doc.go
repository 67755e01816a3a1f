// Package subscription はWeb Push購読情報の永続化を提供する。
//
// 購読はエンドポイントURLを自然キーとし、暗号化鍵の導出に必要な
// authシークレットとp256dh公開鍵を保持する。SQLiteストアは
// 一覧取得とエンドポイント単位の削除を並行に実行できる。
package subscription
