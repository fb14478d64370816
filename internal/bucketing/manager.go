package bucketing

import (
	"time"

	"marketplace-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads users and audit events over a fixed number of partitions.
// Bucket counts must not change once data has been written with them.
type BucketingManager struct {
	userBuckets  uint64
	eventBuckets uint64
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return &BucketingManager{
		userBuckets:  atLeastOne(cfg.Bucketing.UserBuckets),
		eventBuckets: atLeastOne(cfg.Bucketing.EventBuckets),
	}
}

func atLeastOne(n int) uint64 {
	if n <= 0 {
		return 1
	}
	return uint64(n)
}

// UserBucket is the Scylla partition bucket for a user id (0 to userBuckets-1)
func (bm *BucketingManager) UserBucket(userID string) int {
	return int(murmur3.Sum64([]byte(userID)) % bm.userBuckets)
}

// EventBucket buckets audit events by event id
func (bm *BucketingManager) EventBucket(identifier string) int {
	return int(murmur3.Sum64([]byte(identifier)) % bm.eventBuckets)
}

// DateBucket is the UTC day an event is filed under
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
