package push

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// recordSize はaes128gcmの1レコードの大きさ。本文は1レコードに収める。
	recordSize = 4096
	saltLen    = 16
	authLen    = 16
	// publicKeyLen は非圧縮形式のP-256公開鍵の長さ。
	publicKeyLen = 65
	gcmTagLen    = 16
	// headerLen はaes128gcmヘッダー（salt, rs, idlen, keyid）の長さ。
	headerLen = saltLen + 4 + 1 + publicKeyLen

	// MaxPayloadSize は暗号化できる通知ペイロードの最大バイト数。
	MaxPayloadSize = recordSize - headerLen - gcmTagLen - 1
)

var (
	// ErrPayloadTooLarge はペイロードがMaxPayloadSizeを超えた場合に返される。
	ErrPayloadTooLarge = errors.New("通知ペイロードが大きすぎます")

	infoPrefix = []byte("WebPush: info\x00")
	cekInfo    = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo  = []byte("Content-Encoding: nonce\x00")
)

// encrypted はaes128gcmで暗号化した結果。
type encrypted struct {
	// salt はコンテンツ暗号化鍵の導出に使った乱数。
	salt []byte
	// serverPublicKey は鍵共有に使った一時鍵の公開鍵。
	serverPublicKey []byte
	// ciphertext はGCMタグを含む暗号文。
	ciphertext []byte
}

// body はsalt・レコードサイズ・一時公開鍵のヘッダーを暗号文の前に付けた送信用本文を返す。
func (e *encrypted) body() []byte {
	b := make([]byte, 0, headerLen+len(e.ciphertext))
	b = append(b, e.salt...)
	b = binary.BigEndian.AppendUint32(b, recordSize)
	b = append(b, byte(len(e.serverPublicKey)))
	b = append(b, e.serverPublicKey...)
	return append(b, e.ciphertext...)
}

// encrypt はRFC 8291に従い、購読者の公開鍵とauthシークレットから導出した鍵で
// ペイロードを暗号化する。randは一時鍵とsaltの生成に使う。
func encrypt(payload, userPublicKey, authSecret []byte, random io.Reader) (*encrypted, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %dバイト（上限%dバイト）", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if len(authSecret) != authLen {
		return nil, fmt.Errorf("%w: authは%dバイトである必要があります", ErrMalformedSubscription, authLen)
	}

	curve := ecdh.P256()
	userKey, err := curve.NewPublicKey(userPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: p256dhがP-256の公開鍵ではありません: %v", ErrMalformedSubscription, err)
	}

	serverKey, err := curve.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("一時鍵の生成に失敗: %w", err)
	}
	sharedSecret, err := serverKey.ECDH(userKey)
	if err != nil {
		return nil, fmt.Errorf("%w: 鍵共有に失敗: %v", ErrMalformedSubscription, err)
	}
	serverPublicKey := serverKey.PublicKey().Bytes()

	keyInfo := make([]byte, 0, len(infoPrefix)+2*publicKeyLen)
	keyInfo = append(keyInfo, infoPrefix...)
	keyInfo = append(keyInfo, userPublicKey...)
	keyInfo = append(keyInfo, serverPublicKey...)
	ikm, err := derive(sharedSecret, authSecret, keyInfo, 32)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("saltの生成に失敗: %w", err)
	}

	cek, err := derive(ikm, salt, cekInfo, 16)
	if err != nil {
		return nil, err
	}
	nonce, err := derive(ikm, salt, nonceInfo, 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("AES暗号の初期化に失敗: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMの初期化に失敗: %w", err)
	}

	// 最終レコードの区切り 0x02 を付ける
	plaintext := make([]byte, 0, len(payload)+1)
	plaintext = append(plaintext, payload...)
	plaintext = append(plaintext, 0x02)

	return &encrypted{
		salt:            salt,
		serverPublicKey: serverPublicKey,
		ciphertext:      gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// derive はHKDF-SHA256でlengthバイトの鍵を導出する。
func derive(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("HKDFによる鍵導出に失敗: %w", err)
	}
	return out, nil
}
