// Package config はpushhubの設定を扱う。
//
// 既定値、YAML設定ファイル、CLIフラグ・環境変数の順に上書きされる。
// フラグと環境変数の反映はcmd/pushhubが行い、このパッケージは既定値と
// ファイルの読み込み、検証、VAPID署名コンテキストの生成を担当する。
package config
