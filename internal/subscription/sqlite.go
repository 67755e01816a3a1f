package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	subscriptiondb "github.com/nao1215/pushhub/internal/subscription/db"
	"github.com/nao1215/pushhub/internal/subscription/migrations"
	"github.com/nao1215/pushhub/pkg/migration"
)

// SQLiteStore はSQLiteに購読情報を保存するStore実装。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// queries はsqlcが生成したクエリ実行オブジェクト。
	queries *subscriptiondb.Queries
}

// Record は一覧表示用に登録日時を付けた購読情報。
type Record struct {
	Subscription
	// CreatedAt は購読の登録日時。
	CreatedAt time.Time `json:"created_at"`
}

// Open はSQLiteデータベースを開き、マイグレーションを適用したストアを返す。
// WALモードとbusy_timeoutを設定し、一覧取得と削除が並行しても
// ロック競合で失敗しないようにする。
func Open(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, sqlDB, migrations.FS, ".", log); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLiteStore{
		db:      sqlDB,
		queries: subscriptiondb.New(sqlDB),
	}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert は購読を追加する。
func (s *SQLiteStore) Insert(ctx context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	n, err := s.queries.CreatePushSubscription(ctx, subscriptiondb.CreatePushSubscriptionParams{
		Endpoint: sub.Endpoint,
		Auth:     sub.Auth,
		P256dh:   sub.P256dh,
	})
	if err != nil {
		return fmt.Errorf("購読の保存に失敗: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// List は全購読を登録順に返す。
func (s *SQLiteStore) List(ctx context.Context) ([]Subscription, error) {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	subs := make([]Subscription, 0, len(records))
	for _, r := range records {
		subs = append(subs, r.Subscription)
	}
	return subs, nil
}

// ListRecords は登録日時付きで全購読を返す。
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.queries.ListPushSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Subscription: Subscription{
				Endpoint: row.Endpoint,
				Auth:     row.Auth,
				P256dh:   row.P256dh,
			},
			CreatedAt: row.CreatedAt,
		})
	}
	return records, nil
}

// DeleteByEndpoint はエンドポイントに一致する購読を削除する。
// 対象が存在しない場合も成功として扱う。
func (s *SQLiteStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if err := s.queries.DeletePushSubscriptionByEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("購読の削除に失敗: %w", err)
	}
	return nil
}

// Count は保存されている購読数を返す。
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	n, err := s.queries.CountPushSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("購読数の取得に失敗: %w", err)
	}
	return n, nil
}
