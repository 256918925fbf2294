package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/internal/infra/storage"
)

func setupCheckpointTest(t *testing.T) (context.Context, *checkpointStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewCheckpointStore(pool, storage.NoOpTracer())
	return context.Background(), store, cleanup
}

func mustCheckpoint(t *testing.T, evt scan.Event) scan.Checkpoint {
	t.Helper()
	cp, ok := scan.CheckpointForEvent(evt)
	require.True(t, ok)
	return cp
}

func TestPGCheckpointStore_SaveAndFind(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	scanID := uuid.New()
	item := scan.Item{ID: "item-1", Title: "Page"}

	cp := mustCheckpoint(t, scan.NewPageCompleteEvent(scanID, 4, "DOCS", item, 50))
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)

	assert.Equal(t, scanID, loaded.ScanID())
	assert.Equal(t, "DOCS", loaded.GroupKey())
	assert.Equal(t, scan.StatusRunning, loaded.Status())
	assert.Equal(t, 50, loaded.ProgressPct())
	lastID, ok := loaded.LastItemID()
	require.True(t, ok)
	assert.Equal(t, "item-1", lastID)
	_, hasSub := loaded.LastSubItem()
	assert.False(t, hasSub)
}

func TestPGCheckpointStore_FindNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	_, err := store.FindByGroup(ctx, uuid.New(), "NOPE")
	assert.ErrorIs(t, err, scan.ErrNoCheckpoint)
}

func TestPGCheckpointStore_MergePreservesUntouchedFields(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	scanID := uuid.New()
	itemOne := scan.Item{ID: "item-1", Title: "One"}
	itemTwo := scan.Item{ID: "item-2", Title: "Two"}
	sub := scan.SubItem{ID: "sub-1", Name: "report.txt", MediaType: "text/plain"}

	// An attachment event sets the in-flight sub-item.
	require.NoError(t, store.Save(ctx,
		mustCheckpoint(t, scan.NewAttachmentEvent(scanID, 3, "DOCS", itemOne, sub, nil, 10))))

	// An interim item event must not clobber it.
	require.NoError(t, store.Save(ctx,
		mustCheckpoint(t, scan.NewItemEvent(scanID, 4, "DOCS", itemOne, nil, 10))))

	loaded, err := store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	subName, ok := loaded.LastSubItem()
	require.True(t, ok)
	assert.Equal(t, "report.txt", subName)

	// Completing the item advances the marker and clears the sub-item.
	require.NoError(t, store.Save(ctx,
		mustCheckpoint(t, scan.NewPageCompleteEvent(scanID, 5, "DOCS", itemOne, 50))))

	loaded, err = store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	lastID, ok := loaded.LastItemID()
	require.True(t, ok)
	assert.Equal(t, "item-1", lastID)
	_, hasSub := loaded.LastSubItem()
	assert.False(t, hasSub)

	// An interim event for the next item leaves the last completed id alone.
	require.NoError(t, store.Save(ctx,
		mustCheckpoint(t, scan.NewItemEvent(scanID, 6, "DOCS", itemTwo, nil, 50))))

	loaded, err = store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	lastID, ok = loaded.LastItemID()
	require.True(t, ok)
	assert.Equal(t, "item-1", lastID)

	// The terminal event clears both markers and completes the group.
	require.NoError(t, store.Save(ctx,
		mustCheckpoint(t, scan.NewCompleteEvent(scanID, 7, "DOCS"))))

	loaded, err = store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, loaded.Status())
	assert.Equal(t, 100, loaded.ProgressPct())
	_, hasItem := loaded.LastItemID()
	assert.False(t, hasItem)
	_, hasSub = loaded.LastSubItem()
	assert.False(t, hasSub)
}

func TestPGCheckpointStore_FindByScanAndDelete(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	scanID := uuid.New()
	item := scan.Item{ID: "item-1"}
	require.NoError(t, store.Save(ctx, mustCheckpoint(t, scan.NewPageCompleteEvent(scanID, 1, "A", item, 20))))
	require.NoError(t, store.Save(ctx, mustCheckpoint(t, scan.NewPageCompleteEvent(scanID, 2, "B", item, 40))))
	require.NoError(t, store.Save(ctx, mustCheckpoint(t, scan.NewPageCompleteEvent(uuid.New(), 1, "A", item, 10))))

	cps, err := store.FindByScan(ctx, scanID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	require.NoError(t, store.DeleteByScan(ctx, scanID))
	cps, err = store.FindByScan(ctx, scanID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestPGCheckpointStore_StatusOnlyUpdate(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	scanID := uuid.New()
	item := scan.Item{ID: "item-1"}
	require.NoError(t, store.Save(ctx, mustCheckpoint(t, scan.NewPageCompleteEvent(scanID, 1, "DOCS", item, 33))))

	loaded, err := store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, loaded.WithStatus(scan.StatusPaused)))

	paused, err := store.FindByGroup(ctx, scanID, "DOCS")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusPaused, paused.Status())
	lastID, ok := paused.LastItemID()
	require.True(t, ok)
	assert.Equal(t, "item-1", lastID)
}
