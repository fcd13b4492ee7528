package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nervomem/corebrain/internal/learning/memrl"
	"github.com/nervomem/corebrain/internal/shadow"
	"github.com/nervomem/corebrain/internal/types"
)

// ShadowSearch runs adversarial contradiction search against the query
// text's embedding (spec §4.6). Embedding failures are demoted to a
// warning-equivalent empty result, matching Query's degraded behaviour.
func (e *Engine) ShadowSearch(ctx context.Context, text string, k int) (*shadow.Result, error) {
	if e.embedder == nil {
		return &shadow.Result{Credibility: 0.5}, nil
	}
	vec, err := e.embedder.Embed(ctx, truncate(text, e.cfg.Embedding.MaxChars))
	if err != nil {
		return &shadow.Result{Credibility: 0.5}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return shadow.Search(ctx, e.store, e.vecIdx, vec, k)
}

// LearnResult reports the outcome of a Learn or ProvideMemRLFeedback call
// (spec §7: "learn and provide_memrl_feedback return a boolean success
// plus a diagnostic message").
type LearnResult struct {
	Success bool
	Message string
}

// Learn applies a trajectory's quality signal to the Sona pattern-weight
// manager, treating the trajectory's selected route as the matched
// pattern id and the mean of its match scores as that pattern's match
// score (spec §4.5.1, §4.8 `learn`). See DESIGN.md for why route name
// stands in for pattern id: Trajectory carries no separate pattern
// identifier in this spec, and the route already names the retrieval
// strategy being reinforced.
func (e *Engine) Learn(ctx context.Context, trajectoryID types.TrajectoryID, quality float64) (LearnResult, error) {
	if e.readOnly {
		return LearnResult{}, types.ErrInvalidArgument
	}

	traj, err := e.store.GetTrajectory(ctx, trajectoryID)
	if err != nil {
		return LearnResult{}, err
	}
	if traj.Feedback != nil {
		return LearnResult{Success: false, Message: "feedback already applied to this trajectory"}, nil
	}

	matchScore := meanOf(traj.MatchScores)
	result, err := e.sonaMgr.ApplyFeedback(ctx, traj.Route, matchScore, quality)
	if err != nil {
		return LearnResult{}, fmt.Errorf("engine: applying pattern feedback: %w", err)
	}

	fb := &types.TrajectoryFeedback{Quality: quality, AppliedAt: time.Now()}
	if err := e.store.StoreFeedback(ctx, trajectoryID, fb); err != nil {
		return LearnResult{}, err
	}

	msg := fmt.Sprintf("pattern %q weight now %.3f (drift %.3f, %s)", result.PatternID, result.NewWeight, result.Drift, result.Status)
	if result.RolledBack {
		msg += "; rolled back to last checkpoint (stale_state)"
	}
	return LearnResult{Success: true, Message: msg}, nil
}

// ProvideMemRLFeedback applies a reward to every entry ranked by a prior
// MemRL query, rejecting a second application for the same query (spec
// §4.5.2, §4.8 `provide_memrl_feedback`).
func (e *Engine) ProvideMemRLFeedback(ctx context.Context, queryID types.MemRLQueryID, reward float64) (LearnResult, error) {
	if e.readOnly {
		return LearnResult{}, types.ErrInvalidArgument
	}

	err := memrl.ApplyFeedback(ctx, e.store, queryID, reward, e.memrlCfg)
	switch err {
	case nil:
		return LearnResult{Success: true, Message: "q-values updated"}, nil
	case types.ErrAlreadyApplied:
		return LearnResult{Success: false, Message: "feedback already applied to this query"}, nil
	default:
		return LearnResult{}, err
	}
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
