// Package migrations は購読データベースのマイグレーションSQLを埋め込む。
package migrations

import "embed"

// FS はマイグレーションSQLファイル群。
//
//go:embed *.up.sql
var FS embed.FS
