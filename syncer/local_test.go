package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_SaveLocalMarksDirty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	memo := &Memo{ID: "m1", Title: "Groceries", Transcript: "eggs and milk", DictationID: 7}
	require.NoError(t, h.local.SaveLocal(ctx, memo))
	assert.Equal(t, h.clock.Now(), memo.LastModified)
	assert.Equal(t, memo.LastModified, memo.CreatedAt)

	got, err := h.local.GetMemo(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "eggs and milk", got.Transcript)
	assert.Equal(t, int64(7), got.DictationID)
	assert.True(t, got.LastModified.Equal(memo.LastModified))

	dirty, err := h.local.DirtyMemos(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "m1", dirty[0].ID)

	require.Error(t, h.local.SaveLocal(ctx, &Memo{Title: "no id"}))
}

func TestLocalStore_GetMemoNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.local.GetMemo(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrMemoNotFound))
}

func TestLocalStore_AuditLogFilterAndLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "a", "a"} {
		require.NoError(t, h.local.AppendAudit(ctx, AuditEntry{
			EntityID:  id,
			Direction: PrimaryToMirror,
			Action:    ActionUpdate,
			Rule:      RuleTimestampPrimaryWins,
			Timestamp: h.clock.Advance(time.Duration(i+1) * time.Second),
		}))
	}

	all, err := h.local.AuditLog(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, EntityMemo, all[0].EntityType)
	assert.True(t, all[0].ID > all[1].ID, "newest first")

	onlyA, err := h.local.AuditLog(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	for _, e := range onlyA {
		assert.Equal(t, "a", e.EntityID)
	}
}

func TestLocalStore_ResetSyncClearsStaleFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owned, err := h.local.beginSync(ctx)
	require.NoError(t, err)
	require.True(t, owned)

	_, err = h.coord.Sync(ctx, true)
	require.ErrorIs(t, err, ErrSyncInProgress)

	require.NoError(t, h.local.ResetSync(ctx))
	md, err := h.local.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, md.InProgress)

	_, err = h.coord.Sync(ctx, true)
	require.NoError(t, err)
}
