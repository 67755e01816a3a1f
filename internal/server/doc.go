// Package server はpushhubのHTTPフロントエンドを提供する。
//
// ブラウザからの購読の登録・解除と、管理者による配信の起動を受け付ける。
// 配信そのものはdispatchパッケージに委譲し、ここでは入力の検証と
// 結果のHTTPステータスへの変換だけを行う。
package server
