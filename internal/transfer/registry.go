package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/download"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/models"
)

// DefaultAccount is the pool used for descriptors without an account.
const DefaultAccount = "default"

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("registry closed")

	// ErrNotFound is returned for an unknown transfer id.
	ErrNotFound = errors.New("transfer not found")
)

// TransportSource picks the transport serving a descriptor.
// providers.Factory implements it.
type TransportSource interface {
	TransportFor(ctx context.Context, d *models.Descriptor) (cloud.Transport, error)
}

// Stats counts tasks by state.
type Stats struct {
	Queued    int
	Active    int
	Finished  int
	Failed    int
	Cancelled int
}

// Total returns the number of tasks counted.
func (s Stats) Total() int {
	return s.Queued + s.Active + s.Finished + s.Failed + s.Cancelled
}

// Registry owns every engine of the hosting application, grouped in one
// pool per account. It is created by the host and torn down with Close.
type Registry struct {
	cfg        *config.Config
	transports TransportSource
	bus        *events.EventBus
	logger     *logging.Logger

	mu     sync.RWMutex
	closed bool
	pools  map[string]map[string]*entry // account -> transfer id -> entry
	byID   map[string]*entry
}

type entry struct {
	task   *Task
	engine *download.Engine
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(cfg *config.Config, transports TransportSource, bus *events.EventBus, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		cfg:        cfg,
		transports: transports,
		bus:        bus,
		logger:     logger,
		pools:      make(map[string]map[string]*entry),
		byID:       make(map[string]*entry),
	}
}

func accountOf(d *models.Descriptor) string {
	if d.Account == "" {
		return DefaultAccount
	}
	return d.Account
}

// Start creates and starts an engine for d. A transfer of the same object
// to the same destination that is still running is returned instead of a
// new one. host may be nil.
func (r *Registry) Start(ctx context.Context, d *models.Descriptor, host download.Delegate) (*download.Engine, error) {
	if d == nil {
		return nil, fmt.Errorf("nil descriptor")
	}
	account := accountOf(d)

	r.mu.RLock()
	closed := r.closed
	existing := r.findRunning(account, d)
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if existing != nil {
		return existing.engine, nil
	}

	params, err := download.NewParams(d, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor %s: %w", d.Locator, err)
	}
	transport, err := r.transports.TransportFor(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("no transport for %s: %w", d.Locator, err)
	}

	if host == nil {
		host = download.NopDelegate{}
	}
	hd := &hostDelegate{reg: r, inner: host}
	eng, err := download.New(params, transport, hd, r.logger)
	if err != nil {
		return nil, err
	}
	ent := &entry{
		task:   newTask(eng.ID(), account, d.Locator, d.Destination, d.Preload, d.Size),
		engine: eng,
	}
	hd.entry = ent

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if other := r.findRunning(account, d); other != nil {
		r.mu.Unlock()
		return other.engine, nil
	}
	pool := r.pools[account]
	if pool == nil {
		pool = make(map[string]*entry)
		r.pools[account] = pool
	}
	pool[eng.ID()] = ent
	r.byID[eng.ID()] = ent
	r.mu.Unlock()

	r.publish(events.EventTransferQueued, ent.task)
	ent.task.setState(TaskActive)
	r.publish(events.EventTransferStarted, ent.task)
	r.logger.Info().Str("transfer", eng.ID()).Str("account", account).Str("locator", d.Locator).Msg("Transfer registered")
	eng.Start()
	return eng, nil
}

// findRunning must be called with r.mu held.
func (r *Registry) findRunning(account string, d *models.Descriptor) *entry {
	for _, e := range r.pools[account] {
		t := e.task
		if t.Locator == d.Locator && t.Destination == d.Destination && t.Preload == d.Preload && !t.IsTerminal() {
			return e
		}
	}
	return nil
}

// Cancel cancels a running transfer, keeping its staging file for a later
// resume.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if e.task.IsTerminal() {
		return fmt.Errorf("transfer %s already %s", id, e.task.GetState())
	}
	e.engine.Cancel()
	return nil
}

// Lookup returns a copy of the task record for id.
func (r *Registry) Lookup(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Task{}, false
	}
	return e.task.Clone(), true
}

// Engine returns the engine for id.
func (r *Registry) Engine(id string) (*download.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Accounts returns the accounts with a pool, sorted.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for a := range r.pools {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Tasks returns copies of the tasks of one account, or of all accounts when
// account is empty, oldest first.
func (r *Registry) Tasks(account string) []Task {
	r.mu.RLock()
	var out []Task
	for a, pool := range r.pools {
		if account != "" && a != account {
			continue
		}
		for _, e := range pool {
			out = append(out, e.task.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns task counts over all accounts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, e := range r.byID {
		switch e.task.GetState() {
		case TaskQueued:
			s.Queued++
		case TaskActive:
			s.Active++
		case TaskFinished:
			s.Finished++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

// ClearFinished forgets every task in a terminal state. Pools left empty
// are dropped.
func (r *Registry) ClearFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for account, pool := range r.pools {
		for id, e := range pool {
			if e.task.IsTerminal() {
				delete(pool, id)
				delete(r.byID, id)
			}
		}
		if len(pool) == 0 {
			delete(r.pools, account)
		}
	}
}

// Close cancels every running engine and waits for all of them to stop,
// or for ctx to end. Start fails afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	engines := make([]*download.Engine, 0, len(r.byID))
	for _, e := range r.byID {
		engines = append(engines, e.engine)
	}
	r.mu.Unlock()

	for _, eng := range engines {
		if !eng.State().Terminal() {
			eng.Cancel()
		}
	}
	for _, eng := range engines {
		select {
		case <-eng.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for transfers to stop: %w", ctx.Err())
		}
	}
	return nil
}

// referenced reports whether a running transfer other than exceptID writes
// to path.
func (r *Registry) referenced(path, exceptID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.byID {
		if id != exceptID && e.task.Destination == path && !e.task.IsTerminal() {
			return true
		}
	}
	return false
}

func (r *Registry) publish(eventType events.EventType, t *Task) {
	if r.bus == nil {
		return
	}
	r.bus.PublishTransfer(eventType, t.event())
}
