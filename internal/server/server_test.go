package server

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/pushhub/internal/dispatch"
	"github.com/nao1215/pushhub/internal/push"
	"github.com/nao1215/pushhub/internal/subscription"
	"github.com/nao1215/pushhub/pkg/vapid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "admin-token"

// fakeDispatcher は受け取った通知を記録するテスト用の配信者。
type fakeDispatcher struct {
	mu       sync.Mutex
	received []push.Notification
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n push.Notification) (*dispatch.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, n)
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Report{RoundID: "round-1", Total: 2, Delivered: 1, Transient: 1}, nil
}

// setupTestServer はテスト用のサーバーを一時ファイルのSQLiteで構築する。
func setupTestServer(t *testing.T, token string, dispatcher Dispatcher) (*Server, *subscription.SQLiteStore) {
	t.Helper()

	store, err := subscription.Open(t.Context(), filepath.Join(t.TempDir(), "subscriptions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if dispatcher == nil {
		dispatcher = &fakeDispatcher{}
	}
	s := NewServer(store, dispatcher, "BPublicKey", Options{
		Port:           "0",
		AuthToken:      token,
		AllowedOrigins: []string{"https://app.example.com"},
	}, zerolog.Nop())
	return s, store
}

func doRequest(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// browserKeys はブラウザが生成するのと同じ形式の鍵を返す。
func browserKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()), base64.RawURLEncoding.EncodeToString(secret)
}

func subscribeBody(t *testing.T, endpoint string) string {
	t.Helper()

	p256dh, auth := browserKeys(t)
	b, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": p256dh, "auth": auth},
	})
	require.NoError(t, err)
	return string(b)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, testToken, nil)
	w := doRequest(t, s, http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"pushhub"}`, w.Body.String())
}

func TestHandlePublicKey(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, testToken, nil)
	w := doRequest(t, s, http.MethodGet, "/api/v1/vapid-public-key", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPublicKey"}`, w.Body.String())
}

func TestHandleSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("PushSubscription.toJSON()形式で登録できること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t, testToken, nil)
		w := doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, "https://push.example.com/send/1"), "")
		assert.Equal(t, http.StatusCreated, w.Code)

		subs, err := store.List(t.Context())
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "https://push.example.com/send/1", subs[0].Endpoint)
	})

	t.Run("フラットな形式で登録できること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t, testToken, nil)
		p256dh, auth := browserKeys(t)
		body := `{"endpoint":"https://push.example.com/send/2","p256dh":"` + p256dh + `","auth":"` + auth + `"}`
		w := doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", body, "")
		assert.Equal(t, http.StatusCreated, w.Code)

		count, err := store.Count(t.Context())
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("同じエンドポイントの登録は409を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		endpoint := "https://push.example.com/send/dup"
		require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, endpoint), "").Code)

		w := doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, endpoint), "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "JSONでない", body: "not json"},
		{name: "エンドポイントがない", body: `{"keys":{"p256dh":"BAAA","auth":"AAAA"}}`},
		{name: "エンドポイントが相対URL", body: `{"endpoint":"/send/1","p256dh":"BAAA","auth":"AAAA"}`},
		{name: "鍵がない", body: `{"endpoint":"https://push.example.com/send/3"}`},
		{name: "公開鍵の長さが不正", body: `{"endpoint":"https://push.example.com/send/4","p256dh":"BAAA","auth":"AAAAAAAAAAAAAAAAAAAAAA"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合は400を返し保存しないこと", func(t *testing.T) {
			t.Parallel()

			s, store := setupTestServer(t, testToken, nil)
			w := doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)

			count, err := store.Count(t.Context())
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}

	t.Run("公開鍵が曲線上の点でない場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		bogus := make([]byte, 65)
		bogus[0] = 0x04
		_, auth := browserKeys(t)
		body := `{"endpoint":"https://push.example.com/send/5","p256dh":"` + base64.RawURLEncoding.EncodeToString(bogus) + `","auth":"` + auth + `"}`

		w := doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", body, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleUnsubscribe(t *testing.T) {
	t.Parallel()

	t.Run("登録済みの購読を解除できること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t, testToken, nil)
		endpoint := "https://push.example.com/send/1"
		require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, endpoint), "").Code)

		w := doRequest(t, s, http.MethodDelete, "/api/v1/subscriptions", `{"endpoint":"`+endpoint+`"}`, "")
		assert.Equal(t, http.StatusOK, w.Code)

		count, err := store.Count(t.Context())
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("未登録のエンドポイントでも200を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		w := doRequest(t, s, http.MethodDelete, "/api/v1/subscriptions", `{"endpoint":"https://push.example.com/none"}`, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("エンドポイントがない場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		w := doRequest(t, s, http.MethodDelete, "/api/v1/subscriptions", `{}`, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleListSubscriptions(t *testing.T) {
	t.Parallel()

	t.Run("認証済みの場合はエンドポイントのみの一覧を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, "https://push.example.com/a"), "").Code)
		require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, "https://push.example.com/b"), "").Code)

		w := doRequest(t, s, http.MethodGet, "/api/v1/subscriptions", "", testToken)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"count":2,"subscriptions":[{"endpoint":"https://push.example.com/a"},{"endpoint":"https://push.example.com/b"}]}`, w.Body.String())
		assert.NotContains(t, w.Body.String(), "p256dh")
	})

	t.Run("トークンがない場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, testToken, nil)
		w := doRequest(t, s, http.MethodGet, "/api/v1/subscriptions", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleNotify(t *testing.T) {
	t.Parallel()

	t.Run("本文が空の場合は固定の通知を配信し集計を返すこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, testToken, d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", "", testToken)

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, d.received, 1)
		assert.Equal(t, push.DefaultNotification(), d.received[0])

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "round-1", body["round_id"])
		assert.EqualValues(t, 2, body["total"])
		assert.NotContains(t, body, "Results")
	})

	t.Run("指定された通知内容で配信すること", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, testToken, d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", `{"title":"Hi","body":"there","silent":true,"url":"/x"}`, testToken)

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, d.received, 1)
		assert.Equal(t, push.Notification{Title: "Hi", Body: "there", Silent: true, URL: "/x"}, d.received[0])
	})

	t.Run("一部の項目だけ指定された場合は残りを固定の通知で補わないこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, testToken, d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", `{"title":"障害発生"}`, testToken)

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, d.received, 1)
		assert.Equal(t, push.Notification{Title: "障害発生"}, d.received[0])
	})

	t.Run("ペイロードが上限を超える場合は400を返し配信しないこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, testToken, d)
		body := `{"title":"big","body":"` + strings.Repeat("x", push.MaxPayloadSize) + `"}`
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", body, testToken)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, d.received)
	})

	t.Run("配信を開始できない場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{err: errors.Join(dispatch.ErrCannotStart, errors.New("database is locked"))}
		s, _ := setupTestServer(t, testToken, d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", "", testToken)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("認証トークン未設定の場合は503を返し配信しないこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, "", d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", "", "anything")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, d.received)
	})

	t.Run("誤ったトークンの場合は401を返し配信しないこと", func(t *testing.T) {
		t.Parallel()

		d := &fakeDispatcher{}
		s, _ := setupTestServer(t, testToken, d)
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", "", "wrong")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, d.received)
	})
}

// TestEndToEnd は登録から配信・無効購読の削除までを実際の配信者で検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(relay.Close)

	store, err := subscription.Open(t.Context(), filepath.Join(t.TempDir(), "subscriptions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer, err := vapid.Generate("mailto:ops@example.com")
	require.NoError(t, err)
	builder, err := push.NewBuilder(signer, push.BuilderConfig{})
	require.NoError(t, err)
	d, err := dispatch.New(store, builder, push.NewClient(time.Second), dispatch.Options{}, zerolog.Nop())
	require.NoError(t, err)

	s := NewServer(store, d, signer.PublicKey(), Options{Port: "0", AuthToken: testToken}, zerolog.Nop())

	require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, relay.URL+"/ok"), "").Code)
	require.Equal(t, http.StatusCreated, doRequest(t, s, http.MethodPost, "/api/v1/subscriptions", subscribeBody(t, relay.URL+"/gone"), "").Code)

	w := doRequest(t, s, http.MethodPost, "/api/v1/notifications", "", testToken)
	require.Equal(t, http.StatusOK, w.Code)

	var report dispatch.Report
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Pruned)

	subs, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, relay.URL+"/ok", subs[0].Endpoint)
}

func TestRun(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, testToken, nil)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("シャットダウンが完了しませんでした")
	}
}
