package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const defaultMaxAgeDays = 30

// VectorPruner deletes persisted fragment vectors created before cutoff.
type VectorPruner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

type VectorCacheCleanupJob struct {
	store      VectorPruner
	maxAgeDays int
	now        func() time.Time
}

func NewVectorCacheCleanupJob(store VectorPruner, maxAgeDays int) *VectorCacheCleanupJob {
	return &VectorCacheCleanupJob{store: store, maxAgeDays: maxAgeDays, now: time.Now}
}

func (j *VectorCacheCleanupJob) Name() string {
	return "vector_cache_cleanup"
}

func (j *VectorCacheCleanupJob) Run(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	maxAgeDays := j.maxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	cutoff := j.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
	removed, err := j.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("vector cache pruned", zap.Int64("removed", removed), zap.Int("max_age_days", maxAgeDays))
	return nil
}
