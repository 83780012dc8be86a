package receipt

import (
	"context"
	"errors"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const (
	CollectionName = "read_receipts"

	DefaultRecentLimit = 50
	DefaultTTLDays     = 90
)

// Store is the consistency model over (user, notification) read state.
// Correctness under concurrent writers is delegated to the unique pair index:
// every write is an insert-if-absent and the first writer wins.
type Store struct {
	coll    *mongo.Collection
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewStore(db *mongo.Database, logger *logging.Logger, m *metrics.Metrics) *Store {
	return &Store{
		coll:    db.Collection(CollectionName),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// EnsureIndexes creates the index set the store depends on: the unique pair
// constraint, per-user recency, reverse lookup by notification, and the TTL
// expiry on read_at.
func (s *Store) EnsureIndexes(ctx context.Context, ttlDays int) error {
	if ttlDays <= 0 {
		ttlDays = DefaultTTLDays
	}
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "notification_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "read_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "notification_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "read_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(ttlDays * 24 * 60 * 60)),
		},
	})
	return err
}

// MarkOptions carries the optional attributes of a read acknowledgement.
type MarkOptions struct {
	Method  ReadMethod
	Context *Context
}

// MarkAsRead records the first acknowledgement for the pair. If a receipt
// already exists it is returned unchanged and the new metadata is discarded:
// read state reflects the first acknowledgement, later calls are no-ops.
func (s *Store) MarkAsRead(ctx context.Context, userID, notificationID string, typ NotificationType, opts *MarkOptions) (*Receipt, error) {
	if err := validatePair(userID, notificationID); err != nil {
		return nil, err
	}
	if err := typ.Validate(); err != nil {
		return nil, err
	}

	doc := s.newReceipt(userID, notificationID, typ, opts)

	res, err := s.coll.UpdateOne(ctx,
		pairFilter(userID, notificationID),
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, err
	}

	if err == nil && res.UpsertedCount == 1 {
		s.metrics.ReceiptsCreated.Inc()
		if id, ok := res.UpsertedID.(bson.ObjectID); ok {
			doc.ID = id
		}
		return doc, nil
	}

	// A receipt already existed, possibly written by a concurrent caller a
	// moment ago. Either way the stored one wins.
	var existing Receipt
	if err := s.coll.FindOne(ctx, pairFilter(userID, notificationID)).Decode(&existing); err != nil {
		return nil, err
	}
	return &existing, nil
}

// MarkManyAsRead upserts a receipt for each id as independent operations.
// The batch is unordered so individual failures do not abort the rest.
// Returns the number of receipts newly created plus updated.
func (s *Store) MarkManyAsRead(ctx context.Context, userID string, notificationIDs []string, typ NotificationType) (int64, error) {
	if err := typ.Validate(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, ErrMissingUserID
	}
	if len(notificationIDs) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(notificationIDs))
	for _, id := range notificationIDs {
		if id == "" {
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(pairFilter(userID, id)).
			SetUpdate(bson.M{"$setOnInsert": s.newReceipt(userID, id, typ, &MarkOptions{Method: ReadMethodBulk})}).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return 0, nil
	}

	res, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) {
			return 0, err
		}
		// Partial failure: keep the successes, report the rest.
		s.logger.Warn("mark-many batch had failed writes",
			zap.String("user_id", userID),
			zap.Int("failed", len(bwe.WriteErrors)))
	}
	if res == nil {
		return 0, nil
	}
	return res.UpsertedCount + res.ModifiedCount, nil
}

// MarkAllAsRead marks the given notifications read for the user. The caller
// supplies the full id enumeration; the store does not infer "all" on its
// own.
func (s *Store) MarkAllAsRead(ctx context.Context, userID string, notificationIDs []string, typ NotificationType) (int64, error) {
	return s.MarkManyAsRead(ctx, userID, notificationIDs, typ)
}

// IsRead reports whether a receipt exists for the pair.
func (s *Store) IsRead(ctx context.Context, userID, notificationID string) (bool, error) {
	if err := validatePair(userID, notificationID); err != nil {
		return false, err
	}
	count, err := s.coll.CountDocuments(ctx, pairFilter(userID, notificationID), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetReadStatus answers a batched existence check. Every requested id is
// present in the result, defaulting to unread, so callers never see missing
// keys.
func (s *Store) GetReadStatus(ctx context.Context, userID string, notificationIDs []string) (map[string]bool, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if len(notificationIDs) == 0 {
		return map[string]bool{}, nil
	}

	cursor, err := s.coll.Find(ctx,
		bson.M{"user_id": userID, "notification_id": bson.M{"$in": notificationIDs}},
		options.Find().SetProjection(bson.M{"notification_id": 1}),
	)
	if err != nil {
		return nil, err
	}

	var found []struct {
		NotificationID string `bson:"notification_id"`
	}
	if err := cursor.All(ctx, &found); err != nil {
		return nil, err
	}

	read := make([]string, 0, len(found))
	for _, f := range found {
		read = append(read, f.NotificationID)
	}
	return statusMap(notificationIDs, read), nil
}

// GetUnreadCount returns how many of the given ids have no receipt.
// An empty input short-circuits to 0 without touching the store.
func (s *Store) GetUnreadCount(ctx context.Context, userID string, notificationIDs []string) (int, error) {
	if userID == "" {
		return 0, ErrMissingUserID
	}
	if len(notificationIDs) == 0 {
		return 0, nil
	}

	count, err := s.coll.CountDocuments(ctx,
		bson.M{"user_id": userID, "notification_id": bson.M{"$in": notificationIDs}})
	if err != nil {
		return 0, err
	}
	return len(notificationIDs) - int(count), nil
}

// GetRecentlyRead returns the user's receipts, most recent first.
func (s *Store) GetRecentlyRead(ctx context.Context, userID string, limit int64) ([]Receipt, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	cursor, err := s.coll.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "read_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	receipts := []Receipt{}
	if err := cursor.All(ctx, &receipts); err != nil {
		return nil, err
	}
	return receipts, nil
}

// CleanupOld deletes receipts older than the cutoff. This duplicates the TTL
// index on purpose: it exists as an explicit maintenance operation
// independent of the store's background expiry.
func (s *Store) CleanupOld(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = DefaultTTLDays
	}
	cutoff := s.now().AddDate(0, 0, -days)

	res, err := s.coll.DeleteMany(ctx, bson.M{"read_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	s.logger.Info("cleaned up old read receipts",
		zap.Int64("deleted", res.DeletedCount),
		zap.Time("cutoff", cutoff))
	return res.DeletedCount, nil
}

func (s *Store) newReceipt(userID, notificationID string, typ NotificationType, opts *MarkOptions) *Receipt {
	r := &Receipt{
		UserID:           userID,
		NotificationID:   notificationID,
		NotificationType: typ,
		ReadAt:           s.now().UTC(),
	}
	if opts != nil {
		r.ReadMethod = opts.Method
		r.Context = opts.Context
	}
	return r
}

func validatePair(userID, notificationID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if notificationID == "" {
		return ErrMissingNotificationID
	}
	return nil
}

func pairFilter(userID, notificationID string) bson.M {
	return bson.M{"user_id": userID, "notification_id": notificationID}
}

// statusMap folds the found ids over the requested ids, defaulting to unread.
func statusMap(requested, read []string) map[string]bool {
	result := make(map[string]bool, len(requested))
	for _, id := range requested {
		result[id] = false
	}
	for _, id := range read {
		if _, ok := result[id]; ok {
			result[id] = true
		}
	}
	return result
}
