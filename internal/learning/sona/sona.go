// Package sona implements the pattern-level learner: LoRA-style retrieval
// weights per matched pattern, regularized by an online EWC++ term so that
// importance-heavy patterns resist being overwritten by a single noisy
// feedback signal (spec §4.5.1).
//
// The update/EMA/clamp shape mirrors the teacher's decay.Manager.Reinforce:
// a mutex-guarded map of per-key state, an exponential moving average for
// one derived statistic, and a background-triggerable maintenance sweep —
// generalized here from decay.Manager's recency/frequency/importance blend
// to a gradient-descent weight update with drift-triggered checkpointing.
package sona

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

// DriftStatus classifies how far the live pattern weights have wandered
// from the last recalibrated baseline.
type DriftStatus string

const (
	DriftOK       DriftStatus = "ok"
	DriftAlert    DriftStatus = "alert"
	DriftCritical DriftStatus = "critical"
)

// Config holds the tunables from spec §6 (sona.*).
type Config struct {
	LearningRate    float64 // η, default 0.01
	EWCLambda       float64 // λ, default 0.5
	ImportanceDecay float64 // default 0.9
	DriftAlert      float64 // default 0.3
	DriftCritical   float64 // default 0.5
	PruneThreshold  float64 // default 0.4
	PruneMinUses    int64   // default 100
	BoostThreshold  float64 // default 0.8
	BoostMultiplier float64 // default 1.2
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.01,
		EWCLambda:       0.5,
		ImportanceDecay: 0.9,
		DriftAlert:      0.3,
		DriftCritical:   0.5,
		PruneThreshold:  0.4,
		PruneMinUses:    100,
		BoostThreshold:  0.8,
		BoostMultiplier: 1.2,
	}
}

// FeedbackResult reports the outcome of one ApplyFeedback call.
type FeedbackResult struct {
	PatternID  string
	NewWeight  float64
	Importance float64
	Drift      float64
	Status     DriftStatus
	RolledBack bool
}

// Manager coordinates pattern-weight updates, drift monitoring, and
// checkpoint/rollback against a storage.Engine.
type Manager struct {
	mu       sync.Mutex
	eng      storage.Engine
	cfg      Config
	baseline map[string]float64 // patternID -> weight at last recalibration
}

// NewManager constructs a Manager with no baseline snapshot taken yet;
// call RecalibrateBaseline once at startup.
func NewManager(eng storage.Engine, cfg Config) *Manager {
	return &Manager{eng: eng, cfg: cfg, baseline: map[string]float64{}}
}

// RecalibrateBaseline snapshots every currently known pattern weight as the
// new drift-comparison baseline.
func (m *Manager) RecalibrateBaseline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	weights, err := m.eng.ListPatternWeights(ctx)
	if err != nil {
		return err
	}
	baseline := make(map[string]float64, len(weights))
	for _, w := range weights {
		baseline[w.PatternID] = w.Weight
	}
	m.baseline = baseline
	return nil
}

// ApplyFeedback updates patternID's weight and importance from one
// trajectory's quality signal and that pattern's match score, then checks
// drift and performs checkpoint/rollback bookkeeping as needed.
func (m *Manager) ApplyFeedback(ctx context.Context, patternID string, matchScore, quality float64) (FeedbackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pw, err := m.eng.GetPatternWeight(ctx, patternID)
	if err != nil && err != types.ErrNotFound {
		return FeedbackResult{}, err
	}
	if pw == nil {
		pw = &types.PatternWeight{PatternID: patternID, Weight: 0.5}
	}

	g := (quality - 0.5) * matchScore * m.cfg.LearningRate
	pw.Weight = types.Clamp01(pw.Weight + g/(1+m.cfg.EWCLambda*pw.Importance))
	pw.Importance = m.cfg.ImportanceDecay*pw.Importance + (1-m.cfg.ImportanceDecay)*math.Abs(g)
	pw.UseCount++
	if quality >= 0.5 {
		pw.SuccessCount++
	}
	pw.LastUpdate = time.Now()

	if err := m.eng.StorePatternWeight(ctx, pw); err != nil {
		return FeedbackResult{}, err
	}

	drift, status, err := m.computeDriftLocked(ctx)
	if err != nil {
		return FeedbackResult{}, err
	}

	result := FeedbackResult{PatternID: patternID, NewWeight: pw.Weight, Importance: pw.Importance, Drift: drift, Status: status}

	switch status {
	case DriftAlert:
		if err := m.writeCheckpointLocked(ctx, drift); err != nil {
			return FeedbackResult{}, err
		}
	case DriftCritical:
		restored, err := m.rollbackLocked(ctx)
		if err != nil {
			return FeedbackResult{}, err
		}
		result.RolledBack = restored
		if restored {
			drift, status, err = m.computeDriftLocked(ctx)
			if err != nil {
				return FeedbackResult{}, err
			}
			result.Drift = drift
			result.Status = status
		}
	}

	return result, nil
}

// computeDriftLocked computes 1 - cos_sim(current, baseline) over the
// union of every pattern ID known to either side, padding absent entries
// to the neutral weight 0.5 (spec §4.5.1). Caller must hold m.mu.
func (m *Manager) computeDriftLocked(ctx context.Context) (float64, DriftStatus, error) {
	weights, err := m.eng.ListPatternWeights(ctx)
	if err != nil {
		return 0, "", err
	}
	current := make(map[string]float64, len(weights))
	for _, w := range weights {
		current[w.PatternID] = w.Weight
	}

	ids := make(map[string]struct{}, len(current)+len(m.baseline))
	for id := range current {
		ids[id] = struct{}{}
	}
	for id := range m.baseline {
		ids[id] = struct{}{}
	}

	var dot, normCur, normBase float64
	for id := range ids {
		c, ok := current[id]
		if !ok {
			c = 0.5
		}
		b, ok := m.baseline[id]
		if !ok {
			b = 0.5
		}
		dot += c * b
		normCur += c * c
		normBase += b * b
	}

	drift := 0.0
	if normCur > 0 && normBase > 0 {
		cosSim := dot / (math.Sqrt(normCur) * math.Sqrt(normBase))
		drift = types.Clamp01(1 - cosSim)
	}

	status := DriftOK
	switch {
	case drift >= m.cfg.DriftCritical:
		status = DriftCritical
	case drift >= m.cfg.DriftAlert:
		status = DriftAlert
	}
	return drift, status, nil
}

func (m *Manager) writeCheckpointLocked(ctx context.Context, drift float64) error {
	weights, err := m.eng.ListPatternWeights(ctx)
	if err != nil {
		return err
	}
	snapshot := make(map[string]float64, len(weights))
	for _, w := range weights {
		snapshot[w.PatternID] = w.Weight
	}
	return m.eng.StoreWeightCheckpoint(ctx, &types.WeightCheckpoint{
		ID:        types.WeightCheckpointID(time.Now().Format(time.RFC3339Nano)),
		Snapshot:  snapshot,
		Drift:     drift,
		CreatedAt: time.Now(),
	})
}

// rollbackLocked restores every pattern's weight from the most recent
// checkpoint, reporting whether a checkpoint existed to restore from.
func (m *Manager) rollbackLocked(ctx context.Context) (bool, error) {
	cp, err := m.eng.GetLatestWeightCheckpoint(ctx)
	if err == types.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for patternID, weight := range cp.Snapshot {
		pw, err := m.eng.GetPatternWeight(ctx, patternID)
		if err != nil && err != types.ErrNotFound {
			return false, err
		}
		if pw == nil {
			pw = &types.PatternWeight{PatternID: patternID}
		}
		pw.Weight = weight
		pw.LastUpdate = time.Now()
		if err := m.eng.StorePatternWeight(ctx, pw); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Apply multiplies each raw similarity score by (0.5 + weight) for its
// associated pattern and resorts descending (spec §4.5.1).
func Apply(scores map[string]float64, weights map[string]float64) []string {
	type scored struct {
		id    string
		score float64
	}
	out := make([]scored, 0, len(scores))
	for id, raw := range scores {
		w, ok := weights[id]
		if !ok {
			w = 0.5
		}
		out = append(out, scored{id, raw * (0.5 + w)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.id
	}
	return ids
}

// Maintain runs the periodic pruning/boosting/rescaling sweep (spec
// §4.5.1): patterns with a low success rate after enough uses are
// deleted, high performers after a handful of uses are boosted, and
// importance values are rescaled back into [0,1] if any exceeds it.
func (m *Manager) Maintain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	weights, err := m.eng.ListPatternWeights(ctx)
	if err != nil {
		return err
	}

	maxImportance := 0.0
	for _, w := range weights {
		if w.Importance > maxImportance {
			maxImportance = w.Importance
		}
	}

	for _, w := range weights {
		rate := w.SuccessRate()
		switch {
		case w.UseCount >= m.cfg.PruneMinUses && rate < m.cfg.PruneThreshold:
			if err := m.eng.DeletePatternWeight(ctx, w.PatternID); err != nil {
				return err
			}
			continue
		case w.UseCount >= 3 && rate >= m.cfg.BoostThreshold:
			w.Weight = math.Min(1.0, w.Weight*m.cfg.BoostMultiplier)
		}
		if maxImportance > 1 {
			w.Importance = w.Importance / maxImportance
		}
		if err := m.eng.StorePatternWeight(ctx, w); err != nil {
			return err
		}
	}
	return nil
}
