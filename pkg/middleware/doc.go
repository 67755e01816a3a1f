// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 管理系APIのBearerトークン認証、zerologによるアクセスログ、パニックリカバリ、
// CORS設定を含む。
package middleware
