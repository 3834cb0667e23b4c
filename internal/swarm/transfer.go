package swarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/time/rate"

	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/libs/log"
)

var (
	// ErrTransferStopped is returned by calls into a transfer that has been
	// removed or whose engine has stopped.
	ErrTransferStopped = errors.New("transfer stopped")

	// ErrTransferPaused is the reason given to connections closed because
	// their transfer was paused.
	ErrTransferPaused = errors.New("transfer paused")

	// ErrUnknownPeer is returned when an operation names a peer that is not
	// in the peer list.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Stats is a snapshot of a transfer's peer list.
type Stats struct {
	Peers      int
	Candidates int
	Seeds      int
	Connected  int
	Connecting int
	Finished   bool
	Paused     bool
}

type tick struct {
	now uint32
	at  time.Time
}

// Transfer owns the peer list of one transfer and every connection made for
// it. All peer list access happens on the goroutine running run; the other
// methods hand work to it.
type Transfer struct {
	id      string
	logger  log.Logger
	peers   *peerlist.PeerList
	dialer  Dialer
	limiter *rate.Limiter
	metrics *Metrics
	clock   clock.Clock
	timeout time.Duration

	ops   chan func()
	ticks chan tick
	done  chan struct{}

	// Fields below are owned by the run loop.
	ctx         context.Context
	conns       map[*peerConn]struct{}
	wg          sync.WaitGroup
	sessionTime uint32
	paused      bool
	stopping    bool
}

func newTransfer(
	id string,
	logger log.Logger,
	peers *peerlist.PeerList,
	dialer Dialer,
	limiter *rate.Limiter,
	metrics *Metrics,
	clk clock.Clock,
	timeout time.Duration,
) *Transfer {
	return &Transfer{
		id:      id,
		logger:  logger,
		peers:   peers,
		dialer:  dialer,
		limiter: limiter,
		metrics: metrics,
		clock:   clk,
		timeout: timeout,
		ops:     make(chan func()),
		ticks:   make(chan tick, 1),
		done:    make(chan struct{}),
		conns:   map[*peerConn]struct{}{},
	}
}

// ID returns the transfer's identifier.
func (t *Transfer) ID() string { return t.id }

// Done is closed once the transfer has stopped and released all its
// connections.
func (t *Transfer) Done() <-chan struct{} { return t.done }

func (t *Transfer) run(ctx context.Context) {
	defer close(t.done)
	t.ctx = ctx
	for {
		select {
		case fn := <-t.ops:
			fn()
		case tk := <-t.ticks:
			t.tick(tk)
		case <-ctx.Done():
			t.shutdown()
			return
		}
	}
}

// shutdown closes every connection and keeps serving the run loop until the
// dial and session goroutines have reported back.
func (t *Transfer) shutdown() {
	t.stopping = true
	for c := range t.conns {
		c.Disconnect(ErrTransferStopped)
	}

	idle := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(idle)
	}()
	for {
		select {
		case fn := <-t.ops:
			fn()
		case <-idle:
			for c := range t.conns {
				t.closed(c)
			}
			t.logger.Debug("transfer stopped", "peers", t.peers.Size())
			return
		}
	}
}

// exec runs fn on the run loop and waits for it to complete.
func (t *Transfer) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case t.ops <- func() { fn(); close(ran) }:
	case <-t.done:
		return ErrTransferStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post hands fn to the run loop from a dial or session goroutine.
func (t *Transfer) post(fn func()) {
	select {
	case t.ops <- fn:
	case <-t.done:
	}
}

// Tick asks the transfer to make connection attempts. It never blocks; if
// the previous tick has not been handled yet, this one is dropped and false
// is returned.
func (t *Transfer) Tick(now uint32, at time.Time) bool {
	select {
	case t.ticks <- tick{now: now, at: at}:
		return true
	default:
		t.metrics.TicksDropped.Add(1)
		return false
	}
}

func (t *Transfer) tick(tk tick) {
	t.sessionTime = tk.now
	if t.stopping || t.paused {
		return
	}
	for {
		h, ok := t.peers.NextCandidate(tk.now)
		if !ok {
			return
		}
		if !t.limiter.AllowN(tk.at, 1) {
			return
		}
		rec, _ := t.peers.Peer(h)
		c := newPeerConn(t.ctx, rec.Endpoint, true)
		if err := t.peers.ConnectTo(h, c); err != nil {
			c.cancel()
			t.logger.Debug("not dialing peer", "peer", rec.Endpoint, "err", err)
			if errors.Is(err, peerlist.ErrTooManyConnections) {
				return
			}
			continue
		}
		t.conns[c] = struct{}{}
		t.metrics.Dials.Add(1)
		t.wg.Add(1)
		go t.dial(c)
	}
}

func (t *Transfer) dial(c *peerConn) {
	defer t.wg.Done()
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if t.timeout > 0 {
		timer := t.clock.AfterFunc(t.timeout, cancel)
		defer timer.Stop()
	}
	s, err := t.dialer.Dial(ctx, c.remote)
	t.post(func() { t.dialed(c, s, err) })
}

func (t *Transfer) dialed(c *peerConn, s Session, err error) {
	if err != nil {
		// A dial we canceled ourselves says nothing about the peer.
		c.failed = c.reason == nil
		t.metrics.DialFailures.Add(1)
		t.logger.Debug("dial failed", "peer", c.remote, "err", err)
		t.closed(c)
		return
	}
	if c.reason != nil || t.stopping {
		_ = s.Close()
		t.closed(c)
		return
	}

	c.session = s
	c.local = s.LocalEndpoint()
	c.connecting = false
	if _, err := t.peers.NewConnection(c); err != nil {
		_ = s.Close()
		t.closed(c)
		return
	}
	_ = t.established(c)
}

// Accept registers an incoming session. On error the session has been
// closed.
func (t *Transfer) Accept(ctx context.Context, s Session) error {
	var err error
	if xerr := t.exec(ctx, func() {
		if t.stopping {
			err = ErrTransferStopped
			_ = s.Close()
			return
		}
		c := newPeerConn(t.ctx, s.RemoteEndpoint(), false)
		c.local = s.LocalEndpoint()
		c.session = s
		if _, err = t.peers.NewConnection(c); err != nil {
			c.cancel()
			_ = s.Close()
			return
		}
		t.conns[c] = struct{}{}
		err = t.established(c)
	}); xerr != nil {
		_ = s.Close()
		return xerr
	}
	return err
}

// established applies what the handshake told us and starts the session. If
// the peer list rejects the announced port, the connection is closed.
func (t *Transfer) established(c *peerConn) error {
	h := c.handle
	if c.session.Seed() {
		if err := t.peers.SetSeed(h, true); err != nil {
			t.logger.Error("failed to mark seed", "peer", c.remote, "err", err)
		}
	}
	if port := c.session.ListenPort(); port != 0 && !c.outgoing {
		if err := t.peers.UpdatePeerPort(h, port, 0); err != nil {
			c.reason = err
			_ = c.session.Close()
			t.closed(c)
			return err
		}
	}

	t.wg.Add(1)
	go t.runSession(c)
	return nil
}

func (t *Transfer) runSession(c *peerConn) {
	defer t.wg.Done()
	up, down, err := c.session.Run(c.ctx)
	t.post(func() {
		c.AddStatistics(up, down)
		c.failed = err != nil && c.reason == nil && !errors.Is(err, context.Canceled)
		t.closed(c)
	})
}

// closed releases a connection once its goroutines have finished.
func (t *Transfer) closed(c *peerConn) {
	t.peers.ConnectionClosed(c, t.sessionTime)
	delete(t.conns, c)
	c.cancel()
}

// AddPeers registers peers learned from a discovery source and returns the
// number of new peers. flags may be shorter than eps.
func (t *Transfer) AddPeers(ctx context.Context, src peerlist.PeerSource, eps []peerlist.Endpoint, flags []peerlist.PeerFlags) (int, error) {
	added := 0
	err := t.exec(ctx, func() {
		for i, ep := range eps {
			var f peerlist.PeerFlags
			if i < len(flags) {
				f = flags[i]
			}
			_, created, err := t.peers.FindOrCreate(ep, src, f)
			switch {
			case errors.Is(err, peerlist.ErrStoreFull), errors.Is(err, peerlist.ErrPeerBlocked):
			case err != nil:
				t.logger.Debug("ignoring peer", "peer", ep, "source", src, "err", err)
			case created:
				added++
			}
		}
	})
	return added, err
}

// AddPexPeers registers the peers of a peer exchange message.
func (t *Transfer) AddPexPeers(ctx context.Context, added, flags []byte, ipv6 bool) (int, error) {
	eps, fl, err := peerlist.ParsePexPeers(added, flags, ipv6)
	if err != nil {
		return 0, err
	}
	return t.AddPeers(ctx, peerlist.SourcePEX, eps, fl)
}

// AddPexMessage registers the added peers of a bencoded ut_pex message.
func (t *Transfer) AddPexMessage(ctx context.Context, payload []byte) (int, error) {
	eps, fl, err := peerlist.ParsePexMessage(payload)
	if err != nil {
		return 0, err
	}
	return t.AddPeers(ctx, peerlist.SourcePEX, eps, fl)
}

// SetFinished records whether the transfer has completed. A finished
// transfer stops connecting to seeds.
func (t *Transfer) SetFinished(ctx context.Context, finished bool) error {
	return t.exec(ctx, func() { t.peers.RecalculateCandidates(finished) })
}

// SetPaused pauses or resumes the transfer. Pausing closes every connection
// and trims the peer list.
func (t *Transfer) SetPaused(ctx context.Context, paused bool) error {
	return t.exec(ctx, func() {
		t.paused = paused
		t.peers.SetPaused(paused)
		if paused {
			for c := range t.conns {
				c.Disconnect(ErrTransferPaused)
			}
		}
	})
}

// Ban bans the peer at ep and closes its connection.
func (t *Transfer) Ban(ctx context.Context, ep peerlist.Endpoint) error {
	var err error
	if xerr := t.exec(ctx, func() {
		h, ok := t.peers.Find(ep)
		if !ok {
			err = ErrUnknownPeer
			return
		}
		err = t.peers.Ban(h)
	}); xerr != nil {
		return xerr
	}
	return err
}

// Stats returns a snapshot of the peer list.
func (t *Transfer) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := t.exec(ctx, func() {
		st = t.stats()
	})
	return st, err
}

func (t *Transfer) stats() Stats {
	st := Stats{
		Peers:      t.peers.Size(),
		Candidates: t.peers.ConnectCandidates(),
		Seeds:      t.peers.NumSeeds(),
		Connected:  t.peers.NumConnected(),
		Finished:   t.peers.Finished(),
		Paused:     t.paused,
	}
	for c := range t.conns {
		if c.connecting {
			st.Connecting++
		}
	}
	return st
}

// saveResume persists the peer list. It must only be called once the run
// loop has exited.
func (t *Transfer) saveResume(db dbm.DB) error {
	<-t.done
	return t.peers.SaveResume(db, t.id)
}
