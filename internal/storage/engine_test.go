package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/types"
)

// engineFactories lets every test below run against both BadgerEngine and
// MemoryEngine, since they must satisfy an identical contract.
func engineFactories(t *testing.T) map[string]func() Engine {
	return map[string]func() Engine{
		"memory": func() Engine { return NewMemoryEngine() },
		"badger": func() Engine {
			eng, err := NewBadgerEngineInMemory()
			require.NoError(t, err)
			return eng
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, eng Engine)) {
	for name, factory := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			eng := factory()
			defer eng.Close()
			fn(t, eng)
		})
	}
}

func mustStoreRoot(t *testing.T, ctx context.Context, eng Engine, id types.EntryID) *types.Entry {
	e := &types.Entry{ID: id, Content: "root " + string(id), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, eng.StoreEntry(ctx, e, nil, 1.0, 1.0))
	return e
}

func TestStoreEntry_RootDepthAndLScore(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "root-1")

		prov, err := eng.GetProvenance(ctx, "root-1")
		require.NoError(t, err)
		assert.Equal(t, 0, prov.Depth)
		assert.Equal(t, 1.0, prov.LScore)
		assert.Empty(t, prov.ParentIDs)
	})
}

func TestStoreEntry_ChildDepthIsMaxParentPlusOne(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "p1")
		mustStoreRoot(t, ctx, eng, "p2")

		child := &types.Entry{ID: "child-1", Content: "derived", CreatedAt: time.Now(), UpdatedAt: time.Now()}
		require.NoError(t, eng.StoreEntry(ctx, child, []types.EntryID{"p1", "p2"}, 0.9, 0.8))

		prov, err := eng.GetProvenance(ctx, "child-1")
		require.NoError(t, err)
		assert.Equal(t, 1, prov.Depth)
		assert.Equal(t, []types.EntryID{"p1", "p2"}, prov.ParentIDs)
	})
}

func TestStoreEntry_UnknownParentRejected(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		child := &types.Entry{ID: "orphan", Content: "x"}
		err := eng.StoreEntry(ctx, child, []types.EntryID{"does-not-exist"}, 0.5, 0.5)
		require.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestStoreEntry_DuplicateIDRejected(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "dup")
		err := eng.StoreEntry(ctx, &types.Entry{ID: "dup", Content: "again"}, nil, 1, 1)
		require.ErrorIs(t, err, types.ErrConstraintViolation)
	})
}

func TestDeleteEntry_ReparentsChildrenToRoot(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "parent")
		child := &types.Entry{ID: "child", Content: "c"}
		require.NoError(t, eng.StoreEntry(ctx, child, []types.EntryID{"parent"}, 0.9, 0.9))

		require.NoError(t, eng.DeleteEntry(ctx, "parent"))

		_, err := eng.GetEntry(ctx, "parent")
		require.ErrorIs(t, err, types.ErrNotFound)

		prov, err := eng.GetProvenance(ctx, "child")
		require.NoError(t, err)
		assert.Empty(t, prov.ParentIDs)
		assert.Equal(t, 0, prov.Depth)
		assert.Equal(t, 1.0, prov.LScore)
	})
}

func TestVectorMapping_Bijection(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "e1")

		label, err := eng.NextVectorLabel(ctx)
		require.NoError(t, err)
		require.NoError(t, eng.StoreVectorMapping(ctx, "e1", label))

		byEntry, err := eng.GetVectorMapping(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, label, byEntry.Label)

		byLabel, err := eng.GetVectorMappingByLabel(ctx, label)
		require.NoError(t, err)
		assert.Equal(t, types.EntryID("e1"), byLabel.EntryID)

		require.NoError(t, eng.DeleteVectorMapping(ctx, "e1"))
		_, err = eng.GetVectorMapping(ctx, "e1")
		require.ErrorIs(t, err, types.ErrNotFound)
		_, err = eng.GetVectorMappingByLabel(ctx, label)
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestNextVectorLabel_NeverRepeats(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		seen := make(map[int64]bool)
		for i := 0; i < 50; i++ {
			label, err := eng.NextVectorLabel(ctx)
			require.NoError(t, err)
			require.False(t, seen[label], "label %d reused", label)
			seen[label] = true
		}
	})
}

func TestCausal_StoreRequiresExistingEndpoints(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		edge := &types.CausalEdge{
			ID:        "e1",
			Type:      types.RelationCauses,
			SourceIDs: []types.EntryID{"missing"},
			TargetIDs: []types.EntryID{"also-missing"},
			Strength:  0.5,
		}
		err := eng.StoreCausal(ctx, edge)
		require.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestCausal_TTLExpiry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "a")
		mustStoreRoot(t, ctx, eng, "b")

		past := time.Now().Add(-time.Hour)
		expired := &types.CausalEdge{
			ID:        "expired-edge",
			Type:      types.RelationCauses,
			SourceIDs: []types.EntryID{"a"},
			TargetIDs: []types.EntryID{"b"},
			Strength:  0.7,
			ExpiresAt: &past,
		}
		require.NoError(t, eng.StoreCausal(ctx, expired))

		future := time.Now().Add(time.Hour)
		active := &types.CausalEdge{
			ID:        "active-edge",
			Type:      types.RelationEnables,
			SourceIDs: []types.EntryID{"a"},
			TargetIDs: []types.EntryID{"b"},
			Strength:  0.6,
			ExpiresAt: &future,
		}
		require.NoError(t, eng.StoreCausal(ctx, active))

		activeEdges, err := eng.GetActiveCausal(ctx)
		require.NoError(t, err)
		require.Len(t, activeEdges, 1)
		assert.Equal(t, types.CausalEdgeID("active-edge"), activeEdges[0].ID)

		n, err := eng.DeleteExpiredCausal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = eng.GetCausal(ctx, "expired-edge")
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestTrajectoryFeedback_AppliedAtMostOnce(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		tr := &types.Trajectory{ID: "traj-1", QueryText: "q", CreatedAt: time.Now()}
		require.NoError(t, eng.StoreTrajectory(ctx, tr))

		pending, err := eng.GetPendingFeedback(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		fb := &types.TrajectoryFeedback{Quality: 0.8, AppliedAt: time.Now()}
		require.NoError(t, eng.StoreFeedback(ctx, "traj-1", fb))

		err = eng.StoreFeedback(ctx, "traj-1", fb)
		require.ErrorIs(t, err, types.ErrAlreadyApplied)

		pending, err = eng.GetPendingFeedback(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestUpdateQValuesBatch_ClampsAndCounts(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "q1")
		mustStoreRoot(t, ctx, eng, "q2")

		n, err := eng.UpdateQValuesBatch(ctx, map[types.EntryID]float64{
			"q1":      1.5,
			"q2":      -0.2,
			"missing": 0.5,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		values, err := eng.GetQValuesBatch(ctx, []types.EntryID{"q1", "q2"})
		require.NoError(t, err)
		assert.Equal(t, 1.0, values["q1"])
		assert.Equal(t, 0.0, values["q2"])
	})
}

func TestPatternWeight_UpsertListDelete(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		w := &types.PatternWeight{PatternID: "p1", Weight: 0.5, UseCount: 1}
		require.NoError(t, eng.StorePatternWeight(ctx, w))

		got, err := eng.GetPatternWeight(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0.5, got.Weight)

		all, err := eng.ListPatternWeights(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, eng.DeletePatternWeight(ctx, "p1"))
		_, err = eng.GetPatternWeight(ctx, "p1")
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestWeightCheckpoint_LatestWins(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		older := &types.WeightCheckpoint{ID: "c1", CreatedAt: time.Now().Add(-time.Hour)}
		newer := &types.WeightCheckpoint{ID: "c2", CreatedAt: time.Now()}
		require.NoError(t, eng.StoreWeightCheckpoint(ctx, older))
		require.NoError(t, eng.StoreWeightCheckpoint(ctx, newer))

		latest, err := eng.GetLatestWeightCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.WeightCheckpointID("c2"), latest.ID)
	})
}

func TestGetLineageEntryIDs_BatchesAcrossLevelsWithoutDuplicates(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "grandparent")

		parentA := &types.Entry{ID: "parentA"}
		parentB := &types.Entry{ID: "parentB"}
		require.NoError(t, eng.StoreEntry(ctx, parentA, []types.EntryID{"grandparent"}, 0.9, 0.9))
		require.NoError(t, eng.StoreEntry(ctx, parentB, []types.EntryID{"grandparent"}, 0.9, 0.9))

		child := &types.Entry{ID: "child"}
		require.NoError(t, eng.StoreEntry(ctx, child, []types.EntryID{"parentA", "parentB"}, 0.8, 0.8))

		lineage, err := GetLineageEntryIDs(ctx, eng, "child", -1)
		require.NoError(t, err)

		assert.ElementsMatch(t, []types.EntryID{"parentA", "parentB", "grandparent"}, lineage)

		seen := make(map[types.EntryID]int)
		for _, id := range lineage {
			seen[id]++
		}
		for id, count := range seen {
			assert.Equal(t, 1, count, "id %s appeared more than once", id)
		}
	})
}

func TestGetLineageEntryIDs_RespectsMaxDepth(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		mustStoreRoot(t, ctx, eng, "gg")
		parent := &types.Entry{ID: "parent"}
		require.NoError(t, eng.StoreEntry(ctx, parent, []types.EntryID{"gg"}, 0.9, 0.9))
		child := &types.Entry{ID: "child"}
		require.NoError(t, eng.StoreEntry(ctx, child, []types.EntryID{"parent"}, 0.9, 0.9))

		lineage, err := GetLineageEntryIDs(ctx, eng, "child", 1)
		require.NoError(t, err)
		assert.Equal(t, []types.EntryID{"parent"}, lineage)
	})
}

func TestSchemaVersion_MatchesCurrent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		v, err := eng.SchemaVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, v)
	})
}

func TestListPendingEmbedding_ReturnsOnlyFlaggedEntries(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		done := &types.Entry{ID: "done", CreatedAt: time.Now(), UpdatedAt: time.Now()}
		require.NoError(t, eng.StoreEntry(ctx, done, nil, 1, 1))

		pending := &types.Entry{ID: "pending", CreatedAt: time.Now(), UpdatedAt: time.Now(), PendingEmbedding: true}
		require.NoError(t, eng.StoreEntry(ctx, pending, nil, 1, 1))

		out, err := eng.ListPendingEmbedding(ctx, 0)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, types.EntryID("pending"), out[0].ID)
	})
}

func TestListPendingEmbedding_RespectsLimit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		ctx := context.Background()
		for _, id := range []types.EntryID{"a", "b", "c"} {
			e := &types.Entry{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now(), PendingEmbedding: true}
			require.NoError(t, eng.StoreEntry(ctx, e, nil, 1, 1))
		}

		out, err := eng.ListPendingEmbedding(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})
}
