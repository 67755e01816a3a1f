// Package vapid はWeb PushのVAPID (RFC 8292) 署名を提供する。
//
// サーバーの長期ES256鍵ペアを保持し、プッシュサービスのオリジンを
// audienceとする短命なJWTアサーションを発行する。Signerは起動時に
// 一度だけ生成し、以後は読み取り専用として全ゴルーチンで共有する。
package vapid
