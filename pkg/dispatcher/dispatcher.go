// Package dispatcher wires the six core components of spec.md §2 into a
// single running process: durable store, auth/policy, registry, queue,
// scheduler loop, and ingress/egress surface.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/octaskly/octaskly/pkg/api"
	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/config"
	"github.com/octaskly/octaskly/pkg/events"
	"github.com/octaskly/octaskly/pkg/log"
	"github.com/octaskly/octaskly/pkg/queue"
	"github.com/octaskly/octaskly/pkg/registry"
	"github.com/octaskly/octaskly/pkg/scheduler"
	"github.com/octaskly/octaskly/pkg/storage"
	"github.com/octaskly/octaskly/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dispatcher owns every component for the lifetime of one process.
type Dispatcher struct {
	cfg       config.Config
	store     storage.Store
	queue     *queue.Queue
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	broker    *events.Broker
	verifier  *auth.Verifier
	whitelist *auth.Whitelist
	server    *api.Server
	logger    zerolog.Logger
}

// New constructs every component and wires them together, then runs crash
// recovery against the durable store before returning. It does not yet
// start the scheduler tick loop or the HTTP server — call Run for that.
func New(cfg config.Config) (*Dispatcher, error) {
	logger := log.WithComponent("dispatcher")

	store, err := storage.NewBoltStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	broker := events.NewBroker()
	q := queue.New(cfg.PendingQueueCap)
	reg := registry.New()
	verifier := auth.NewVerifier(cfg.SecretKey)
	whitelist := auth.NewWhitelist(cfg.WorkerWhitelist)

	sch := scheduler.New(scheduler.Config{
		Tick:            cfg.SchedulerTick,
		LivenessTimeout: cfg.LivenessTimeout,
		EvictionGrace:   cfg.EvictionGrace,
		TimeoutGrace:    cfg.SchedulerTimeoutGrace,
		MaxRequeues:     cfg.MaxRequeues,
		CaptureLimit:    cfg.CaptureLimitBytes,
	}, q, reg, store, nil)

	server := api.NewServer(api.Config{
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, q, reg, sch, store, broker, verifier, whitelist)
	sch.SetSender(server.Hub())

	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		queue:     q,
		registry:  reg,
		scheduler: sch,
		broker:    broker,
		verifier:  verifier,
		whitelist: whitelist,
		server:    server,
		logger:    logger,
	}

	if whitelist.Empty() {
		d.audit(types.AuditWorkerWhitelistWarn, "", "", map[string]string{
			"message": "worker whitelist is empty; all worker ids are accepted",
		})
	}

	if err := d.recover(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("crash recovery: %w", err)
	}

	return d, nil
}

// recover implements §4.A crash recovery: every persisted Running task is
// reset to Queued with worker_id/assigned_at cleared, an audit event is
// appended, and the in-memory queue is rebuilt so scheduling resumes
// exactly as if the tasks had just been submitted (but at the front of
// pending, in their original relative order, ahead of anything newly
// submitted after startup).
func (d *Dispatcher) recover() error {
	tasks, err := d.store.Recover()
	if err != nil {
		return err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	for _, task := range tasks {
		wasRunning := task.Status == types.TaskRunning
		if wasRunning {
			task.Status = types.TaskQueued
			task.WorkerID = ""
			task.AssignedAt = time.Time{}
			if err := d.store.UpdateTaskStatus(task.ID, func(t *types.Task) {
				t.Status = types.TaskQueued
				t.WorkerID = ""
				t.AssignedAt = time.Time{}
			}); err != nil {
				return fmt.Errorf("reset task %s on recovery: %w", task.ID, err)
			}
		}

		if err := d.queue.Enqueue(task); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to re-enqueue recovered task")
			continue
		}

		if wasRunning {
			d.audit(types.AuditRecoveredReassign, "", task.ID, nil)
		}
	}

	return nil
}

func (d *Dispatcher) audit(kind types.AuditKind, workerID, taskID string, detail map[string]string) {
	event := &types.AuditEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		WorkerID:  workerID,
		TaskID:    taskID,
		Detail:    detail,
	}
	if err := d.store.AppendAudit(event); err != nil {
		d.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to append startup audit event")
	}
}

// Run starts the scheduler loop, the audit broker, and the HTTP server,
// and blocks until ctx is cancelled or a component fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.broker.Start()
	d.scheduler.Start()
	defer d.scheduler.Stop()
	defer d.broker.Stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		addr := fmt.Sprintf(":%d", d.cfg.APIPort)
		d.logger.Info().Str("addr", addr).Msg("starting API server")
		serveErr := make(chan error, 1)
		go func() { serveErr <- d.server.ListenAndServe(addr) }()
		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := group.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the durable store handle.
func (d *Dispatcher) Close() error {
	return d.store.Close()
}
