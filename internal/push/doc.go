// Package push はWeb Pushメッセージの組み立てと送信を提供する。
//
// Builderは購読1件と通知から、RFC 8291 (aes128gcm) で暗号化した本文と
// VAPIDのAuthorizationヘッダーを持つMessageを生成する。Clientはそれを
// プッシュサービスへ1回だけ送信し、結果をエラーの型で表す。
// エンドポイント消滅（404/410）は ErrEndpointGone として識別できる。
package push
