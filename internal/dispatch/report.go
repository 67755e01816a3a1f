package dispatch

import (
	"fmt"
)

// State は1回の配信における購読1件の終端状態。
//
//	pending → building → {build-failed | built}
//	built → sending → {delivered | transient-failed | permanent-failed}
//	permanent-failed → pruning → {pruned | prune-failed}
type State int

const (
	// StateBuildFailed は購読情報が不正でメッセージを組み立てられなかった状態。購読は残す。
	StateBuildFailed State = iota + 1
	// StateDelivered はプッシュサービスが受け付けた状態。
	StateDelivered
	// StateTransientFailed は一時的な失敗。購読は残し、このラウンドでは再送しない。
	StateTransientFailed
	// StatePermanentFailed はエンドポイント消滅が確定し、削除前の状態。
	StatePermanentFailed
	// StatePruned はエンドポイント消滅により購読を削除した状態。
	StatePruned
	// StatePruneFailed はエンドポイント消滅を確認したが削除に失敗した状態。
	StatePruneFailed
)

// String はログ出力用の名前を返す。
func (s State) String() string {
	switch s {
	case StateBuildFailed:
		return "build-failed"
	case StateDelivered:
		return "delivered"
	case StateTransientFailed:
		return "transient-failed"
	case StatePermanentFailed:
		return "permanent-failed"
	case StatePruned:
		return "pruned"
	case StatePruneFailed:
		return "prune-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result は購読1件の配信結果。
type Result struct {
	// Endpoint は対象の購読エンドポイント。
	Endpoint string
	// State は終端状態。
	State State
	// StatusCode はプッシュサービスのステータスコード。応答がなかった場合は0。
	StatusCode int
	// Err は失敗の原因。成功時はnil。
	Err error
}

// Report は1回の配信ラウンドの集計。
type Report struct {
	// RoundID はラウンドの識別子。ログのround_idと一致する。
	RoundID string `json:"round_id"`
	// Total はスナップショットの購読数。
	Total int `json:"total"`
	// Delivered は送信に成功した数。
	Delivered int `json:"delivered"`
	// Transient は一時的な失敗の数。
	Transient int `json:"transient"`
	// Permanent はエンドポイント消滅の数。削除の成否を問わない。
	Permanent int `json:"permanent"`
	// Pruned は削除した購読の数。
	Pruned int `json:"pruned"`
	// PruneFailed は削除に失敗した購読の数。
	PruneFailed int `json:"prune_failed"`
	// BuildFailed はメッセージを組み立てられなかった数。
	BuildFailed int `json:"build_failed"`
	// Results は購読ごとの結果。ログとテスト用で、APIの応答には含めない。
	Results []Result `json:"-"`
}

func newReport(roundID string, results []Result) *Report {
	r := &Report{RoundID: roundID, Total: len(results), Results: results}
	for _, res := range results {
		switch res.State {
		case StateDelivered:
			r.Delivered++
		case StateTransientFailed:
			r.Transient++
		case StatePruned:
			r.Permanent++
			r.Pruned++
		case StatePruneFailed:
			r.Permanent++
			r.PruneFailed++
		case StatePermanentFailed:
			r.Permanent++
		case StateBuildFailed:
			r.BuildFailed++
		}
	}
	return r
}

// Result は指定エンドポイントの結果を返す。
func (r *Report) Result(endpoint string) (Result, bool) {
	for _, res := range r.Results {
		if res.Endpoint == endpoint {
			return res, true
		}
	}
	return Result{}, false
}
