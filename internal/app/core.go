package app

import (
	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/idempotency"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/reservation"
	"github.com/campusflow/enrollment-core/internal/saga"
	"github.com/campusflow/enrollment-core/internal/usecase"
	"github.com/campusflow/enrollment-core/internal/workflow"
)

// Core owns the shared state of one process: breakers, sagas, the idempotency
// cache and the enrollment workflow. The mains build exactly one Core and
// hand its pieces to the components that need them; tests build a Core over
// in-memory implementations.
type Core struct {
	Cfg config.Config

	Store domain.EnrollmentStore
	KV    kv.Store

	Breakers    *breaker.Registry
	Sagas       *saga.Manager
	Idempotency *idempotency.Store
	Reserver    *reservation.Reserver
	Workflow    *workflow.Workflow
	Dispatcher  *usecase.Dispatcher
}

// NewCore assembles a Core from its infrastructure. queue and tasks may be
// nil for worker-only or test processes that never dispatch over HTTP.
func NewCore(cfg config.Config, store domain.EnrollmentStore, kvStore kv.Store, queue usecase.Enqueuer, tasks usecase.TaskReader, notifier workflow.Notifier) *Core {
	breakers := breaker.NewRegistry().WithSnapshots(kvStore, cfg.SnapshotTTL)
	sagas := saga.NewManager().WithSnapshots(kvStore, cfg.SnapshotTTL)
	idem := idempotency.New(kvStore, cfg.IdempotencyTTL)
	reserver := reservation.New(kvStore, cfg.ReservationTTL)
	wf := workflow.New(store, reserver, breakers, sagas, notifier, cfg.ReservationTTL)

	c := &Core{
		Cfg:         cfg,
		Store:       store,
		KV:          kvStore,
		Breakers:    breakers,
		Sagas:       sagas,
		Idempotency: idem,
		Reserver:    reserver,
		Workflow:    wf,
	}
	if queue != nil && tasks != nil {
		c.Dispatcher = usecase.NewDispatcher(queue, tasks, idem, breakers, sagas, kvStore, cfg.ResultTTL)
	}
	return c
}
