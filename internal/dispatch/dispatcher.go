package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/pushhub/internal/push"
	"github.com/nao1215/pushhub/internal/subscription"
)

const (
	// DefaultSnapshotAttempts は購読一覧取得の既定の試行回数。
	DefaultSnapshotAttempts = 3
	snapshotRetryDelay      = 100 * time.Millisecond
)

// ErrCannotStart は購読一覧を取得できず配信を開始できなかったことを表す。
var ErrCannotStart = errors.New("配信を開始できません")

// Store は配信に必要な購読ストアの操作。
type Store interface {
	List(ctx context.Context) ([]subscription.Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Builder は購読1件分の送信メッセージを組み立てる。
type Builder interface {
	Build(sub subscription.Subscription, n push.Notification) (*push.Message, error)
}

// Sender はメッセージをプッシュサービスへ送信する。
type Sender interface {
	Send(ctx context.Context, msg *push.Message) error
}

// Options は配信の設定。
type Options struct {
	// Concurrency は同時に処理する購読数の上限。0の場合は購読数と同じだけ並行に送る。
	Concurrency int
	// SnapshotAttempts は購読一覧取得の試行回数。0の場合はDefaultSnapshotAttempts。
	SnapshotAttempts uint
}

// Dispatcher は通知を全購読者へ配信する。
type Dispatcher struct {
	store   Store
	builder Builder
	sender  Sender
	opts    Options
	log     zerolog.Logger
}

// New はDispatcherを生成する。
func New(store Store, builder Builder, sender Sender, opts Options, log zerolog.Logger) (*Dispatcher, error) {
	if store == nil || builder == nil || sender == nil {
		return nil, errors.New("ストア・ビルダー・送信クライアントはすべて必須です")
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("並行数が不正です: %d", opts.Concurrency)
	}
	if opts.SnapshotAttempts == 0 {
		opts.SnapshotAttempts = DefaultSnapshotAttempts
	}
	return &Dispatcher{
		store:   store,
		builder: builder,
		sender:  sender,
		opts:    opts,
		log:     log.With().Str("component", "dispatch").Logger(),
	}, nil
}

// DispatchDefault は固定の通知内容で配信する。
func (d *Dispatcher) DispatchDefault(ctx context.Context) (*Report, error) {
	return d.Dispatch(ctx, push.DefaultNotification())
}

// Dispatch はスナップショット時点の全購読者へ通知を配信し、全件の結果が確定してから返る。
// 戻り値のエラーは配信を開始できなかった場合（ErrCannotStart）のみで、
// 個々の購読の失敗はReportとログにだけ現れる。
//
// ctxのキャンセルは一覧取得にのみ影響する。送信と削除はキャンセルされず最後まで実行する。
func (d *Dispatcher) Dispatch(ctx context.Context, n push.Notification) (*Report, error) {
	roundID := uuid.NewString()
	log := d.log.With().Str("round_id", roundID).Logger()

	subs, err := d.snapshot(ctx, log)
	if err != nil {
		log.Error().Err(err).Msg("購読一覧を取得できないため配信を中止しました")
		return nil, fmt.Errorf("%w: %w", ErrCannotStart, err)
	}

	log.Info().Int("subscribers", len(subs)).Msg("配信を開始します")
	started := time.Now()

	results := make([]Result, len(subs))
	sendCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	if d.opts.Concurrency > 0 {
		g.SetLimit(d.opts.Concurrency)
	}
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = d.deliver(sendCtx, log, sub, n)
			return nil
		})
	}
	_ = g.Wait()

	report := newReport(roundID, results)
	log.Info().
		Int("total", report.Total).
		Int("delivered", report.Delivered).
		Int("transient", report.Transient).
		Int("permanent", report.Permanent).
		Int("pruned", report.Pruned).
		Int("prune_failed", report.PruneFailed).
		Int("build_failed", report.BuildFailed).
		Dur("elapsed", time.Since(started)).
		Msg("配信が完了しました")
	return report, nil
}

// snapshot は購読一覧を取得する。ストアの一時的な障害に備えて数回試行する。
func (d *Dispatcher) snapshot(ctx context.Context, log zerolog.Logger) ([]subscription.Subscription, error) {
	var subs []subscription.Subscription
	err := retry.Do(
		func() error {
			var err error
			subs, err = d.store.List(ctx)
			return err
		},
		retry.Attempts(d.opts.SnapshotAttempts),
		retry.Delay(snapshotRetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("購読一覧の取得に失敗したため再試行します")
		}),
	)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// deliver は購読1件について組み立て・送信・必要なら削除までを行う。
func (d *Dispatcher) deliver(ctx context.Context, log zerolog.Logger, sub subscription.Subscription, n push.Notification) Result {
	result := Result{Endpoint: sub.Endpoint}
	log = log.With().Str("endpoint", shortEndpoint(sub.Endpoint)).Logger()

	msg, err := d.builder.Build(sub, n)
	if err != nil {
		result.State = StateBuildFailed
		result.Err = err
		log.Warn().Err(err).Str("outcome", result.State.String()).Msg("メッセージを組み立てられませんでした")
		return result
	}

	err = d.sender.Send(ctx, msg)
	result.Err = err
	result.StatusCode = push.StatusCode(err)

	switch push.Classify(err) {
	case push.OutcomeDelivered:
		result.State = StateDelivered
		log.Info().Str("outcome", result.State.String()).Msg("送信しました")
		return result
	case push.OutcomeTransient:
		result.State = StateTransientFailed
		log.Warn().Err(err).Int("status", result.StatusCode).Str("outcome", result.State.String()).Msg("一時的な失敗のため購読を残します")
		return result
	}

	result.State = StatePermanentFailed
	if err := d.store.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
		result.State = StatePruneFailed
		log.Error().Err(err).Int("status", result.StatusCode).Str("outcome", result.State.String()).Msg("無効なエンドポイントの購読を削除できませんでした")
		return result
	}
	result.State = StatePruned
	log.Info().Int("status", result.StatusCode).Str("outcome", result.State.String()).Msg("無効なエンドポイントの購読を削除しました")
	return result
}

// shortEndpoint はログ用にエンドポイントを「ホスト/...末尾」に短縮する。
// プッシュサービスごとに共通の接頭辞が長いため、購読を区別できる末尾を残す。
func shortEndpoint(endpoint string) string {
	const (
		maxLen  = 50
		tailLen = 24
	)
	runes := []rune(endpoint)
	if len(runes) <= maxLen {
		return endpoint
	}

	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if hr := []rune(host); len(hr) > maxLen-tailLen {
		host = string(hr[:maxLen-tailLen])
	}
	return host + "/..." + string(runes[len(runes)-tailLen:])
}
