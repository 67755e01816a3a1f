package push

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nao1215/pushhub/internal/subscription"
)

// userAgent はブラウザ側の購読鍵を模したテスト用の受信者。
type userAgent struct {
	key  *ecdh.PrivateKey
	auth []byte
}

func newUserAgent(t *testing.T) *userAgent {
	t.Helper()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, authLen)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &userAgent{key: key, auth: auth}
}

// subscription はこの受信者の購読情報をエンドポイント付きで返す。
func (ua *userAgent) subscription(endpoint string) subscription.Subscription {
	return subscription.Subscription{
		Endpoint: endpoint,
		Auth:     base64.RawURLEncoding.EncodeToString(ua.auth),
		P256dh:   base64.RawURLEncoding.EncodeToString(ua.key.PublicKey().Bytes()),
	}
}

// decrypt はaes128gcmの本文をブラウザと同じ手順で復号する。
func (ua *userAgent) decrypt(t *testing.T, body []byte) []byte {
	t.Helper()

	require.GreaterOrEqual(t, len(body), headerLen)
	salt := body[:saltLen]
	rs := binary.BigEndian.Uint32(body[saltLen : saltLen+4])
	require.EqualValues(t, recordSize, rs)
	idLen := int(body[saltLen+4])
	require.Equal(t, publicKeyLen, idLen)
	serverPublicKey := body[saltLen+5 : saltLen+5+idLen]
	ciphertext := body[saltLen+5+idLen:]

	serverKey, err := ecdh.P256().NewPublicKey(serverPublicKey)
	require.NoError(t, err)
	shared, err := ua.key.ECDH(serverKey)
	require.NoError(t, err)

	keyInfo := append(append(append([]byte{}, infoPrefix...), ua.key.PublicKey().Bytes()...), serverPublicKey...)
	ikm, err := derive(shared, ua.auth, keyInfo, 32)
	require.NoError(t, err)
	cek, err := derive(ikm, salt, cekInfo, 16)
	require.NoError(t, err)
	nonce, err := derive(ikm, salt, nonceInfo, 12)
	require.NoError(t, err)

	block, err := aes.NewCipher(cek)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	require.NoError(t, err)

	plaintext = bytes.TrimRight(plaintext, "\x00")
	require.NotEmpty(t, plaintext)
	require.Equal(t, byte(0x02), plaintext[len(plaintext)-1])
	return plaintext[:len(plaintext)-1]
}
