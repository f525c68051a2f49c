package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/televisit/internal/domain"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMissedCallRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	report := domain.NewMissedCall("alice", "bob")
	require.NoError(t, store.ReportMissed(ctx, report))
	require.NoError(t, store.ReportMissed(ctx, domain.NewMissedCall("carol", "dave")))

	got, err := store.MissedFor(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.UserID("alice"), got[0].FromUserID)
	assert.Equal(t, domain.UserID("bob"), got[0].ToUserID)
	assert.Equal(t, "missed-call", got[0].Kind)
	assert.WithinDuration(t, report.Timestamp, got[0].Timestamp, time.Second)
}

func TestHistoryCoversBothSides(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []domain.CallRecord{
		{
			CallID: domain.NewCallID(), CallerID: "alice", CalleeID: "bob",
			Outcome: domain.OutcomeHungUp, StartedAt: now.Add(-3 * time.Minute),
			ConnectedAt: now.Add(-3 * time.Minute), EndedAt: now.Add(-2 * time.Minute),
		},
		{
			CallID: domain.NewCallID(), CallerID: "bob", CalleeID: "alice",
			Outcome: domain.OutcomeRejected, StartedAt: now.Add(-time.Minute),
			EndedAt: now.Add(-50 * time.Second),
		},
		{
			CallID: domain.NewCallID(), CallerID: "carol", CalleeID: "dave",
			Outcome: domain.OutcomeMissed, StartedAt: now, EndedAt: now,
		},
	}
	for _, rec := range records {
		require.NoError(t, store.RecordOutcome(ctx, rec))
	}

	got, err := store.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first; alice appears on either side of the call.
	assert.Equal(t, records[1].CallID, got[0].CallID)
	assert.Equal(t, records[0].CallID, got[1].CallID)
	assert.False(t, got[0].Completed())
	assert.True(t, got[1].Completed())
	assert.True(t, got[0].ConnectedAt.IsZero())
}

func TestHistoryLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordOutcome(ctx, domain.CallRecord{
			CallID: domain.NewCallID(), CallerID: "alice", CalleeID: "bob",
			Outcome:   domain.OutcomeCancelled,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			EndedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := store.History(ctx, "bob", 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
