/**
 * @description
 * Cron wiring for the reconciliation poller. The poller is the safety net
 * behind webhooks: on each tick it syncs payouts stuck in processing against
 * the provider. Runs are serialized with a skip-if-running guard so a slow
 * provider cannot pile up overlapping syncs.
 */

package app

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ReconcilePoller owns the cron schedule for SyncPayoutStatuses.
type ReconcilePoller struct {
	service *Service
	cron    *cron.Cron
	running atomic.Bool
}

// NewReconcilePoller creates the poller with the configured schedule.
func NewReconcilePoller(service *Service) *ReconcilePoller {
	return &ReconcilePoller{
		service: service,
		cron:    cron.New(),
	}
}

// Start registers the sync job and starts the scheduler. The schedule comes
// from configuration and accepts both cron expressions and @every syntax.
func (p *ReconcilePoller) Start() error {
	_, err := p.cron.AddFunc(p.service.cfg.ReconcilePollSchedule, p.runOnce)
	if err != nil {
		return err
	}
	p.cron.Start()
	log.Printf("level=info component=reconcile_poller msg=\"poller started\" schedule=%q", p.service.cfg.ReconcilePollSchedule)
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (p *ReconcilePoller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	log.Println("level=info component=reconcile_poller msg=\"poller stopped\"")
}

func (p *ReconcilePoller) runOnce() {
	if !p.running.CompareAndSwap(false, true) {
		log.Println("level=warn component=reconcile_poller msg=\"previous sync still running; tick skipped\"")
		return
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := p.service.SyncPayoutStatuses(ctx); err != nil {
		log.Printf("level=error component=reconcile_poller msg=\"sync run failed\" err=%v", err)
	}
}
