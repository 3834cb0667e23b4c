// Package swarm runs the peer lists of a set of transfers: it ticks each
// transfer's connection scheduler, dials the peers it picks, and reports
// connection events back to the peer list.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	dbm "github.com/tendermint/tm-db"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/libs/log"
	"github.com/tendermint/peerpolicy/libs/service"
)

var (
	// ErrTransferExists is returned by AddTransfer for a duplicate id.
	ErrTransferExists = errors.New("transfer already exists")
	// ErrUnknownTransfer is returned for an id that names no transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrNotRunning is returned when transfers are added to an engine that
	// is not running.
	ErrNotRunning = errors.New("engine not running")
)

// Options specifies options for an Engine.
type Options struct {
	// TickInterval is the time between connection scheduling passes.
	TickInterval time.Duration

	// DialRate and DialBurst limit outgoing connection attempts across all
	// transfers.
	DialRate  rate.Limit
	DialBurst int

	// DialTimeout bounds each connection attempt, 0 if unbounded. A timed
	// out attempt counts as a failure of the peer.
	DialTimeout time.Duration

	// MaxConnections is the engine-wide connection limit, 0 if unlimited.
	MaxConnections int

	// DB, if set, stores the peer lists of removed transfers and of all
	// transfers when the engine stops. Peer lists are restored from it when
	// a transfer is added.
	DB dbm.DB

	// Clock is the time source; clock.New() if nil.
	Clock clock.Clock

	// Metrics and PeerMetrics are optional.
	Metrics     *Metrics
	PeerMetrics *peerlist.Metrics
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		TickInterval:   time.Second,
		DialRate:       10,
		DialBurst:      10,
		DialTimeout:    15 * time.Second,
		MaxConnections: 200,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", o.TickInterval)
	}
	if o.DialRate < 0 {
		return fmt.Errorf("DialRate can't be negative, got %v", o.DialRate)
	}
	if o.DialRate != rate.Inf && o.DialBurst <= 0 {
		return errors.New("DialBurst must be positive")
	}
	if o.DialTimeout < 0 {
		return fmt.Errorf("DialTimeout can't be negative, got %v", o.DialTimeout)
	}
	if o.MaxConnections < 0 {
		return errors.New("MaxConnections can't be negative")
	}
	return nil
}

type transferEntry struct {
	transfer *Transfer
	cancel   context.CancelFunc
}

// Engine runs a set of transfers.
type Engine struct {
	service.BaseService

	logger   log.Logger
	options  Options
	dialer   Dialer
	clock    clock.Clock
	limiter  *rate.Limiter
	counters *sessionCounters
	metrics  *Metrics

	mtx       sync.Mutex
	transfers map[string]transferEntry
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	start     time.Time
}

// NewEngine creates a new engine that dials peers with dialer.
func NewEngine(logger log.Logger, dialer Dialer, options Options) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Metrics == nil {
		options.Metrics = NopMetrics()
	}
	if options.PeerMetrics == nil {
		options.PeerMetrics = peerlist.NopMetrics()
	}

	e := &Engine{
		logger:    logger,
		options:   options,
		dialer:    dialer,
		clock:     options.Clock,
		limiter:   rate.NewLimiter(options.DialRate, options.DialBurst),
		counters:  &sessionCounters{max: options.MaxConnections},
		metrics:   options.Metrics,
		transfers: map[string]transferEntry{},
	}
	e.BaseService = *service.NewBaseService(logger, "Engine", e)
	return e, nil
}

// OnStart implements service.Service.
func (e *Engine) OnStart(ctx context.Context) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.ctx, e.cancel, e.group = gctx, cancel, g
	e.start = e.clock.Now()
	e.running = true
	g.Go(func() error { return e.tickLoop(gctx) })
	return nil
}

// OnStop implements service.Service. Peer lists are saved once every
// transfer has released its connections.
func (e *Engine) OnStop() {
	e.mtx.Lock()
	e.running = false
	e.mtx.Unlock()

	e.cancel()
	if err := e.group.Wait(); err != nil {
		e.logger.Error("engine stopped with error", "err", err)
	}

	if e.options.DB == nil {
		return
	}
	e.mtx.Lock()
	entries := make([]transferEntry, 0, len(e.transfers))
	for _, entry := range e.transfers {
		entries = append(entries, entry)
	}
	e.mtx.Unlock()

	var err error
	for _, entry := range entries {
		err = multierr.Append(err, entry.transfer.saveResume(e.options.DB))
	}
	if err != nil {
		e.logger.Error("failed to save peer lists", "err", err)
	}
}

func (e *Engine) tickLoop(ctx context.Context) error {
	ticker := e.clock.Ticker(e.options.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case at := <-ticker.C:
			now := e.sessionTime(at)
			e.mtx.Lock()
			for _, entry := range e.transfers {
				entry.transfer.Tick(now, at)
			}
			e.mtx.Unlock()
			e.metrics.Connections.Set(float64(e.counters.NumConnections()))
		}
	}
}

// sessionTime is the number of seconds since the engine started. Peer lists
// record connection times in it.
func (e *Engine) sessionTime(at time.Time) uint32 {
	d := at.Sub(e.start)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// AddTransfer creates a transfer with an empty peer list, or with the peer
// list saved for id if the engine has a database.
func (e *Engine) AddTransfer(id string, options peerlist.Options) (*Transfer, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.running {
		return nil, ErrNotRunning
	}
	if _, ok := e.transfers[id]; ok {
		return nil, ErrTransferExists
	}

	logger := e.logger.With("transfer", id)
	options.SessionCounters = e.counters
	options.Metrics = e.options.PeerMetrics.With("transfer", id)
	peers, err := peerlist.NewPeerList(logger, options)
	if err != nil {
		return nil, err
	}
	if e.options.DB != nil {
		n, err := peers.LoadResume(e.options.DB, id)
		if err != nil {
			return nil, fmt.Errorf("loading peers of transfer %s: %w", id, err)
		}
		if n > 0 {
			logger.Info("restored peers", "count", n)
		}
	}

	tr := newTransfer(id, logger, peers, e.dialer, e.limiter, e.metrics, e.clock, e.options.DialTimeout)
	ctx, cancel := context.WithCancel(e.ctx)
	e.transfers[id] = transferEntry{transfer: tr, cancel: cancel}
	e.group.Go(func() error {
		tr.run(ctx)
		return nil
	})
	e.metrics.Transfers.Set(float64(len(e.transfers)))
	return tr, nil
}

// RemoveTransfer stops a transfer, closing its connections, and saves its
// peer list if the engine has a database.
func (e *Engine) RemoveTransfer(id string) error {
	e.mtx.Lock()
	entry, ok := e.transfers[id]
	if ok {
		delete(e.transfers, id)
		e.metrics.Transfers.Set(float64(len(e.transfers)))
	}
	e.mtx.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	entry.cancel()
	<-entry.transfer.Done()
	if e.options.DB == nil {
		return nil
	}
	return entry.transfer.saveResume(e.options.DB)
}

// Transfer returns the transfer with the given id.
func (e *Engine) Transfer(id string) (*Transfer, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	entry, ok := e.transfers[id]
	return entry.transfer, ok
}

// Transfers returns the ids of all transfers, sorted.
func (e *Engine) Transfers() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ids := make([]string, 0, len(e.transfers))
	for id := range e.transfers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Accept hands an incoming session to the transfer it belongs to.
func (e *Engine) Accept(ctx context.Context, id string, s Session) error {
	tr, ok := e.Transfer(id)
	if !ok {
		_ = s.Close()
		return ErrUnknownTransfer
	}
	return tr.Accept(ctx, s)
}

// NumConnections returns the number of connections across all transfers.
func (e *Engine) NumConnections() int {
	return e.counters.NumConnections()
}
