package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDetachedStore builds a store with no collection behind it. Operations
// that short-circuit before any store access are exercised against it; a
// test failing with a nil dereference means the short-circuit contract broke.
func newDetachedStore() *Store {
	return &Store{
		logger:  logging.NewNop(),
		metrics: metrics.New(),
		now:     time.Now,
	}
}

func TestNotificationType_Validate(t *testing.T) {
	assert.NoError(t, NotificationTypePersonal.Validate())
	assert.NoError(t, NotificationTypeGroup.Validate())
	assert.ErrorIs(t, NotificationType("broadcast").Validate(), ErrInvalidNotificationType)
	assert.ErrorIs(t, NotificationType("").Validate(), ErrInvalidNotificationType)
}

func TestGetUnreadCount_EmptyInputSkipsStore(t *testing.T) {
	s := newDetachedStore()

	count, err := s.GetUnreadCount(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.GetUnreadCount(context.Background(), "u1", []string{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetReadStatus_EmptyInput(t *testing.T) {
	s := newDetachedStore()

	status, err := s.GetReadStatus(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestMarkManyAsRead_EmptyInput(t *testing.T) {
	s := newDetachedStore()

	count, err := s.MarkManyAsRead(context.Background(), "u1", nil, NotificationTypePersonal)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Blank ids are dropped before any write model is built.
	count, err = s.MarkManyAsRead(context.Background(), "u1", []string{"", ""}, NotificationTypePersonal)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestValidationErrors(t *testing.T) {
	s := newDetachedStore()
	ctx := context.Background()

	_, err := s.MarkAsRead(ctx, "", "n1", NotificationTypePersonal, nil)
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = s.MarkAsRead(ctx, "u1", "", NotificationTypePersonal, nil)
	assert.ErrorIs(t, err, ErrMissingNotificationID)

	_, err = s.MarkAsRead(ctx, "u1", "n1", NotificationType("bogus"), nil)
	assert.ErrorIs(t, err, ErrInvalidNotificationType)

	_, err = s.IsRead(ctx, "", "n1")
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = s.GetReadStatus(ctx, "", []string{"n1"})
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = s.GetRecentlyRead(ctx, "", 10)
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = s.MarkManyAsRead(ctx, "", []string{"n1"}, NotificationTypeGroup)
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestStatusMap_EveryRequestedIDPresent(t *testing.T) {
	got := statusMap([]string{"n1", "n2", "n3"}, []string{"n1"})
	assert.Equal(t, map[string]bool{"n1": true, "n2": false, "n3": false}, got)
}

func TestStatusMap_IgnoresUnrequestedIDs(t *testing.T) {
	got := statusMap([]string{"n1"}, []string{"n1", "n9"})
	assert.Equal(t, map[string]bool{"n1": true}, got)
}

func TestStatusMap_Empty(t *testing.T) {
	assert.Empty(t, statusMap(nil, nil))
}

func TestNewReceipt(t *testing.T) {
	s := newDetachedStore()
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	r := s.newReceipt("u1", "n1", NotificationTypePersonal, &MarkOptions{
		Method: ReadMethodTap,
		Context: &Context{
			Platform: PlatformIOS,
			Source:   SourceInbox,
		},
	})

	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, "n1", r.NotificationID)
	assert.Equal(t, NotificationTypePersonal, r.NotificationType)
	assert.Equal(t, ReadMethodTap, r.ReadMethod)
	assert.Equal(t, fixed, r.ReadAt)
	require.NotNil(t, r.Context)
	assert.Equal(t, PlatformIOS, r.Context.Platform)
}

func TestNewReceipt_NoOptions(t *testing.T) {
	s := newDetachedStore()
	r := s.newReceipt("u1", "n1", NotificationTypeGroup, nil)

	assert.Empty(t, r.ReadMethod)
	assert.Nil(t, r.Context)
	assert.False(t, r.ReadAt.IsZero())
}

func TestPairFilter(t *testing.T) {
	f := pairFilter("u1", "n1")
	assert.Equal(t, "u1", f["user_id"])
	assert.Equal(t, "n1", f["notification_id"])
}
