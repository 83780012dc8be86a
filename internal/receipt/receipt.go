package receipt

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// NotificationType distinguishes direct notifications from group fan-out.
type NotificationType string

const (
	NotificationTypePersonal NotificationType = "personal"
	NotificationTypeGroup    NotificationType = "group"
)

func (t NotificationType) Validate() error {
	switch t {
	case NotificationTypePersonal, NotificationTypeGroup:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidNotificationType, t)
}

// ReadMethod records how the user acknowledged the notification.
type ReadMethod string

const (
	ReadMethodTap   ReadMethod = "tap"
	ReadMethodSwipe ReadMethod = "swipe"
	ReadMethodAuto  ReadMethod = "auto"
	ReadMethodBulk  ReadMethod = "bulk"
	ReadMethodAPI   ReadMethod = "api"
)

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

type Source string

const (
	SourceInbox      Source = "inbox"
	SourcePush       Source = "push"
	SourceBadgeClear Source = "badge_clear"
)

// Context carries optional client-side metadata captured at read time.
type Context struct {
	AppVersion string   `bson:"app_version,omitempty" json:"app_version,omitempty"`
	Platform   Platform `bson:"platform,omitempty" json:"platform,omitempty"`
	Source     Source   `bson:"source,omitempty" json:"source,omitempty"`
}

// Receipt asserts that a user has seen a notification. At most one exists
// per (user, notification) pair, enforced by a unique index rather than
// application logic, and it is immutable once inserted. Receipts expire 90
// days after ReadAt: read state is ephemeral telemetry, not an audit trail.
type Receipt struct {
	ID               bson.ObjectID    `bson:"_id,omitempty" json:"id,omitempty"`
	UserID           string           `bson:"user_id" json:"user_id"`
	NotificationID   string           `bson:"notification_id" json:"notification_id"`
	NotificationType NotificationType `bson:"notification_type" json:"notification_type"`
	ReadAt           time.Time        `bson:"read_at" json:"read_at"`
	ReadMethod       ReadMethod       `bson:"read_method,omitempty" json:"read_method,omitempty"`
	Context          *Context         `bson:"context,omitempty" json:"context,omitempty"`
}

var (
	ErrInvalidNotificationType = errors.New("invalid notification type")
	ErrMissingUserID           = errors.New("user id is required")
	ErrMissingNotificationID   = errors.New("notification id is required")
)
