package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/orders"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
)

// maxConcurrentUsers caps cross-user parallelism during a sweep.
const maxConcurrentUsers = 4

// Orchestrator runs the reconciliation pipeline across every active
// account: accounts of one user run strictly in sequence, different users
// run in parallel.
type Orchestrator struct {
	store   storage.Interface
	factory broker.SessionFactory
	placer  orders.Placer
	logger  *logrus.Logger
	opts    Options

	mu         sync.Mutex
	userLocks  map[string]*sync.Mutex
	lastReport *RunReport
}

func NewOrchestrator(store storage.Interface, factory broker.SessionFactory, placer orders.Placer, logger *logrus.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     store,
		factory:   factory,
		placer:    placer,
		logger:    logger,
		opts:      opts,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing runs for one user, creating it on
// first use. Scheduled and on-demand runs for the same user never overlap.
func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		o.userLocks[userID] = lock
	}
	return lock
}

// LastReport returns the most recent run's report, or nil before the first
// run completes.
func (o *Orchestrator) LastReport() *RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// Run executes the full pipeline for every in-scope active account and
// returns the aggregate report. Per-account failures never abort the run;
// they surface in the report.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{
		StartedAt: time.Now().UTC(),
		DryRun:    o.opts.DryRun,
		Success:   true,
	}

	byUser := make(map[string][]models.TradingAccount)
	var userOrder []string
	for _, account := range o.store.ListActiveAccounts() {
		if !o.opts.Scope.matchesUser(account.UserID) {
			continue
		}
		if _, seen := byUser[account.UserID]; !seen {
			userOrder = append(userOrder, account.UserID)
		}
		byUser[account.UserID] = append(byUser[account.UserID], account)
	}

	var reportMu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentUsers)

	for _, userID := range userOrder {
		userID := userID
		accounts := byUser[userID]
		group.Go(func() error {
			lock := o.userLock(userID)
			lock.Lock()
			defer lock.Unlock()

			for _, account := range accounts {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				accountReport := o.runAccount(gctx, account)
				reportMu.Lock()
				report.Accounts = append(report.Accounts, accountReport)
				if !accountReport.Success && !accountReport.Skipped {
					report.Success = false
				}
				reportMu.Unlock()
			}
			return nil
		})
	}

	err := group.Wait()
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Success = false
	}

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"accounts": len(report.Accounts),
		"success":  report.Success,
		"dry_run":  report.DryRun,
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Reconciliation run finished")
	return report, err
}

// runAccount executes the seven phases in their fixed order for one
// account. Profit-target repair runs last so it sees fully synced state.
func (o *Orchestrator) runAccount(ctx context.Context, account models.TradingAccount) *AccountReport {
	accountReport := &AccountReport{
		UserID:        account.UserID,
		AccountNumber: account.AccountNumber,
		Success:       true,
	}
	log := o.logger.WithFields(logrus.Fields{
		"user":    account.UserID,
		"account": account.AccountNumber,
	})

	session, err := o.factory.SessionFor(ctx, account.UserID, account.AccountNumber)
	if err != nil {
		accountReport.Skipped = true
		accountReport.Success = false
		accountReport.SkipReason = err.Error()
		if broker.IsAuth(err) {
			log.Warn("Skipping account: broker session unauthorized")
		} else {
			log.WithError(err).Warn("Skipping account: broker session unavailable")
		}
		return accountReport
	}

	r := NewReconciler(o.store, o.placer, o.logger, o.opts)
	phases := []func() *PhaseResult{
		func() *PhaseResult { return r.SyncOrderHistory(ctx, session, account) },
		func() *PhaseResult { return r.SyncTransactions(ctx, session, account) },
		func() *PhaseResult { return r.DiscoverPositions(ctx, session, account) },
		func() *PhaseResult { return r.SyncPositions(ctx, session, account) },
		func() *PhaseResult { return r.ProcessClosures(ctx, session, account) },
		func() *PhaseResult { return r.ReconcileTrades(ctx, session, account) },
		func() *PhaseResult { return r.FixProfitTargets(ctx, session, account) },
	}
	for _, run := range phases {
		result := run()
		accountReport.Phases = append(accountReport.Phases, result)
		if !result.Success {
			accountReport.Success = false
		}
		log.WithFields(logrus.Fields{
			"phase":     result.Phase,
			"processed": result.ItemsProcessed,
			"updated":   result.ItemsUpdated,
			"created":   result.ItemsCreated,
			"errors":    len(result.Errors),
			"duration":  result.Duration.String(),
		}).Debug("Phase complete")
		if ctx.Err() != nil {
			accountReport.Success = false
			break
		}
	}
	return accountReport
}
