package receipt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newMongoStore spins up a throwaway MongoDB container and returns a store
// bound to a fresh database with its indexes asserted.
func newMongoStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongodb integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcmongodb.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("mongodb container unavailable: %v", err)
	}

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	store := NewStore(client.Database("herald_test"), logging.NewNop(), metrics.New())
	require.NoError(t, store.EnsureIndexes(ctx, DefaultTTLDays))
	return store
}

func TestMarkAsRead_ConcurrentCallsYieldOneReceipt(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Receipt, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.MarkAsRead(ctx, "u1", "n1", NotificationTypePersonal,
				&MarkOptions{Method: ReadMethodTap})
		}(i)
	}
	wg.Wait()

	var stored Receipt
	require.NoError(t, s.coll.FindOne(ctx, pairFilter("u1", "n1")).Decode(&stored))

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "u1", results[i].UserID)
		assert.Equal(t, "n1", results[i].NotificationID)
		// Mongo stores millisecond precision; every caller sees the one
		// stored receipt.
		assert.WithinDuration(t, stored.ReadAt, results[i].ReadAt, time.Millisecond)
	}

	count, err := s.coll.CountDocuments(ctx, pairFilter("u1", "n1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMarkAsRead_FirstWriterWins(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	first, err := s.MarkAsRead(ctx, "u1", "n1", NotificationTypePersonal,
		&MarkOptions{Method: ReadMethodTap})
	require.NoError(t, err)

	second, err := s.MarkAsRead(ctx, "u1", "n1", NotificationTypePersonal,
		&MarkOptions{Method: ReadMethodSwipe})
	require.NoError(t, err)

	assert.Equal(t, ReadMethodTap, second.ReadMethod, "later metadata is discarded")
	assert.Equal(t, first.ID, second.ID)

	count, err := s.coll.CountDocuments(ctx, pairFilter("u1", "n1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGetReadStatus_RoundTrip(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	_, err := s.MarkAsRead(ctx, "u1", "n1", NotificationTypePersonal, nil)
	require.NoError(t, err)
	_, err = s.MarkAsRead(ctx, "u1", "n3", NotificationTypeGroup, nil)
	require.NoError(t, err)

	status, err := s.GetReadStatus(ctx, "u1", []string{"n1", "n2", "n3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"n1": true, "n2": false, "n3": true}, status)

	read, err := s.IsRead(ctx, "u1", "n1")
	require.NoError(t, err)
	assert.True(t, read)

	unread, err := s.GetUnreadCount(ctx, "u1", []string{"n1", "n2", "n3"})
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestMarkManyAsRead_AndRecency(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	n, err := s.MarkManyAsRead(ctx, "u1", []string{"n1", "n2", "n3"}, NotificationTypePersonal)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Re-marking existing receipts is a no-op; only the new id counts.
	n, err = s.MarkManyAsRead(ctx, "u1", []string{"n2", "n3", "n4"}, NotificationTypePersonal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := s.GetRecentlyRead(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "n4", recent[0].NotificationID, "most recent first")
}

func TestCleanupOld_DeletesOnlyPastCutoff(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()

	s.now = func() time.Time { return time.Now().AddDate(0, 0, -120) }
	_, err := s.MarkAsRead(ctx, "u1", "old", NotificationTypePersonal, nil)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.MarkAsRead(ctx, "u1", "fresh", NotificationTypePersonal, nil)
	require.NoError(t, err)

	deleted, err := s.CleanupOld(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	read, err := s.IsRead(ctx, "u1", "fresh")
	require.NoError(t, err)
	assert.True(t, read)
}
