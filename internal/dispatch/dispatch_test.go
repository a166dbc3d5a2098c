package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	database "github.com/itai-weiss/WA-bot/internal/db"
	"github.com/itai-weiss/WA-bot/internal/dispatch"
)

func newDispatcher(t *testing.T, lease time.Duration) *dispatch.Postgres {
	pg := database.StartTestPostgres(t)
	return &dispatch.Postgres{DB: pg.Pool, Lease: lease}
}

func TestSubmitAndClaimDue(t *testing.T) {
	d := newDispatcher(t, time.Minute)
	ctx := context.Background()

	ref, err := d.Submit(ctx, 7, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.Equal(t, ref, fires[0].TaskRef)
	require.EqualValues(t, 7, fires[0].JobID)
	require.Equal(t, 1, fires[0].Attempts)
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	d := newDispatcher(t, time.Minute)
	ctx := context.Background()

	_, err := d.Submit(ctx, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, fires)
}

func TestClaimLeasesTaskUntilExpiry(t *testing.T) {
	d := newDispatcher(t, 300*time.Millisecond)
	ctx := context.Background()

	_, err := d.Submit(ctx, 1, time.Now().Add(-time.Second))
	require.NoError(t, err)

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)

	// Leased: a second claim sees nothing.
	fires, err = d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, fires)

	// Lease expires and the task is delivered again with a bumped attempt.
	time.Sleep(400 * time.Millisecond)
	fires, err = d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.Equal(t, 2, fires[0].Attempts)
}

func TestCompleteStopsRedelivery(t *testing.T) {
	d := newDispatcher(t, 100*time.Millisecond)
	ctx := context.Background()

	ref, err := d.Submit(ctx, 1, time.Now().Add(-time.Second))
	require.NoError(t, err)

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.NoError(t, d.Complete(ctx, ref))

	time.Sleep(200 * time.Millisecond)
	fires, err = d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, fires)
}

func TestRevokeBeforeFire(t *testing.T) {
	d := newDispatcher(t, time.Minute)
	ctx := context.Background()

	ref, err := d.Submit(ctx, 1, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, d.Revoke(ctx, ref))

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, fires)

	// Revoking an unknown ref is a no-op.
	require.NoError(t, d.Revoke(ctx, "0e4a1af0-0000-0000-0000-000000000000"))
}

func TestRescheduleMovesFireTime(t *testing.T) {
	d := newDispatcher(t, time.Minute)
	ctx := context.Background()

	ref, err := d.Submit(ctx, 1, time.Now().Add(-time.Second))
	require.NoError(t, err)

	fires, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)

	// Pull the leased task back to now: it becomes claimable immediately.
	require.NoError(t, d.Reschedule(ctx, ref, time.Now().Add(-time.Second)))
	fires, err = d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.Equal(t, 2, fires[0].Attempts)
}

func TestClaimHonorsLimitAndOrder(t *testing.T) {
	d := newDispatcher(t, time.Minute)
	ctx := context.Background()

	oldRef, err := d.Submit(ctx, 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = d.Submit(ctx, 2, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	fires, err := d.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.Equal(t, oldRef, fires[0].TaskRef, "oldest due task first")
}
