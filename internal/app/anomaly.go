/**
 * @description
 * Advisory anomaly grading over admin payout activity. Short-window action
 * counters and a rolling set of source IPs are kept in Redis; the heuristic
 * grades each granted operation low, medium or high. The grade only ever
 * annotates logs and the audit trail. Redis being down, or not configured at
 * all, degrades every assessment to low risk rather than blocking work.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
)

const (
	actionWindow     = 5 * time.Minute
	actionBurstLimit = 10
	ipWindow         = 24 * time.Hour
	distinctIPLimit  = 3
	amountMultiplier = 5
	anomalyKeyPrefix = "payout:anomaly"
	assessTimeBudget = 500 * time.Millisecond
)

// AnomalyDetector grades admin activity patterns using Redis counters.
type AnomalyDetector struct {
	rdb                *redis.Client
	highValueThreshold int64
}

// NewAnomalyDetector creates a detector. A nil redis client disables it.
func NewAnomalyDetector(rdb *redis.Client, highValueThreshold int64) *AnomalyDetector {
	return &AnomalyDetector{rdb: rdb, highValueThreshold: highValueThreshold}
}

// Assess grades one granted operation. The heuristic, in descending severity:
// a burst of more than 10 actions inside 5 minutes is high risk; an amount
// exceeding 5x the high-value threshold is high risk; activity from more than
// 3 distinct IPs in 24 hours where the current IP is newly seen is medium
// risk; everything else is low.
func (d *AnomalyDetector) Assess(ctx context.Context, actorID uuid.UUID, action string, permCtx domain.PermissionContext) domain.RiskLevel {
	if permCtx.Amount > 0 && d.highValueThreshold > 0 && permCtx.Amount > amountMultiplier*d.highValueThreshold {
		return domain.RiskHigh
	}
	if d.rdb == nil {
		return domain.RiskLow
	}

	ctx, cancel := context.WithTimeout(ctx, assessTimeBudget)
	defer cancel()

	risk := domain.RiskLow

	countKey := fmt.Sprintf("%s:actions:%s", anomalyKeyPrefix, actorID)
	count, err := d.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		log.Printf("level=warn component=anomaly msg=\"action counter unavailable\" actor_id=%s err=%v", actorID, err)
		return domain.RiskLow
	}
	if count == 1 {
		d.rdb.Expire(ctx, countKey, actionWindow)
	}
	if count > actionBurstLimit {
		return domain.RiskHigh
	}

	if permCtx.IPAddress != "" {
		ipKey := fmt.Sprintf("%s:ips:%s", anomalyKeyPrefix, actorID)
		added, err := d.rdb.SAdd(ctx, ipKey, permCtx.IPAddress).Result()
		if err != nil {
			log.Printf("level=warn component=anomaly msg=\"ip set unavailable\" actor_id=%s err=%v", actorID, err)
			return risk
		}
		d.rdb.Expire(ctx, ipKey, ipWindow)
		distinct, err := d.rdb.SCard(ctx, ipKey).Result()
		if err == nil && added == 1 && distinct > distinctIPLimit {
			risk = domain.RiskMedium
		}
	}

	return risk
}
