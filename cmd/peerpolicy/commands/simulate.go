package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/netip"
	"text/tabwriter"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/creachadair/taskgroup"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mroth/weightedrand"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/peerpolicy/config"
	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/internal/swarm"
	"github.com/tendermint/peerpolicy/internal/swarm/swarmtest"
	"github.com/tendermint/peerpolicy/libs/log"
)

var errConnectionReset = errors.New("connection reset by peer")

const (
	announceInterval = 250 * time.Millisecond
	churnInterval    = 100 * time.Millisecond
	maxAnnounce      = 50
)

type simulateOptions struct {
	transfers  int
	peers      int
	duration   time.Duration
	seed       int64
	listenPort uint16
	seedRatio  float64
	weights    swarmtest.Weights
}

// MakeSimulateCommand returns the command that runs the engine against an
// in-memory network of peers.
func MakeSimulateCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run transfers against a simulated swarm",
		Long: `Run the connection scheduler for a set of transfers whose peers live
in an in-memory network. Peers are announced by simulated trackers, DHT,
peer exchange and local discovery; dials connect, are refused or hang at
random. Peer lists are saved to the database when the simulation ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), conf, logger, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.transfers, "transfers", 4, "number of transfers")
	cmd.Flags().IntVar(&opts.peers, "peers", 500, "number of peers in each transfer's swarm")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().Uint16Var(&opts.listenPort, "listen-port", 6881, "our listen port")
	cmd.Flags().Float64Var(&opts.seedRatio, "seed-ratio", 0.2, "fraction of peers that are seeds")
	cmd.Flags().UintVar(&opts.weights.Connect, "connect-weight", 6, "relative odds of a dial connecting")
	cmd.Flags().UintVar(&opts.weights.Refuse, "refuse-weight", 3, "relative odds of a dial being refused")
	cmd.Flags().UintVar(&opts.weights.Hang, "hang-weight", 1, "relative odds of a dial hanging")
	return cmd
}

var simulatedLocalIP = netip.MustParseAddr("192.0.2.1")

// simulation is one run of the simulate command.
type simulation struct {
	logger  log.Logger
	opts    simulateOptions
	network *swarmtest.Network
	engine  *swarm.Engine
	sources *weightedrand.Chooser

	ids   []string
	pools [][]peerlist.Endpoint
	seeds map[peerlist.Endpoint]bool
}

func runSimulation(ctx context.Context, conf *config.Config, logger log.Logger, opts simulateOptions, out io.Writer) error {
	if opts.transfers <= 0 || opts.peers <= 0 {
		return errors.New("transfers and peers must be positive")
	}
	if opts.peers > 1<<16 {
		return fmt.Errorf("at most %d peers per transfer", 1<<16)
	}

	peerOptions, err := conf.PeerList.Options()
	if err != nil {
		return fmt.Errorf("peer list options: %w", err)
	}

	network, err := swarmtest.NewNetwork(simulatedLocalIP, opts.listenPort, opts.seed, opts.weights)
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	network.Uploaded = 256 << 10
	network.Downloaded = 4 << 20

	sources, err := weightedrand.NewChooser(
		weightedrand.NewChoice(peerlist.SourceTracker, 4),
		weightedrand.NewChoice(peerlist.SourceDHT, 3),
		weightedrand.NewChoice(peerlist.SourcePEX, 2),
		weightedrand.NewChoice(peerlist.SourceLSD, 1),
	)
	if err != nil {
		return err
	}

	db, err := config.DefaultDBProvider(&config.DBContext{ID: peerListsDBID, Config: conf})
	if err != nil {
		return fmt.Errorf("opening peer list database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "err", err)
		}
	}()

	engineOptions := conf.Engine.Options()
	engineOptions.DB = db
	if conf.Instrumentation.Prometheus {
		engineOptions.Metrics = swarm.PrometheusMetrics(conf.Instrumentation.Namespace)
		engineOptions.PeerMetrics = peerlist.PrometheusMetrics(conf.Instrumentation.Namespace)
		srv := startPrometheusServer(conf.Instrumentation.PrometheusListenAddr, logger)
		defer func() {
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Error("Prometheus HTTP server Shutdown", "err", err)
			}
		}()
	}

	engine, err := swarm.NewEngine(logger, network, engineOptions)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		if engine.IsRunning() {
			if err := engine.Stop(); err != nil {
				logger.Error("failed to stop engine", "err", err)
			}
		}
	}()

	sim := &simulation{
		logger:  logger,
		opts:    opts,
		network: network,
		engine:  engine,
		sources: sources,
		seeds:   map[peerlist.Endpoint]bool{},
	}
	rng := rand.New(rand.NewSource(opts.seed))
	for i := 0; i < opts.transfers; i++ {
		id := uuid.NewString()
		if _, err := engine.AddTransfer(id, peerOptions); err != nil {
			return fmt.Errorf("adding transfer: %w", err)
		}
		sim.ids = append(sim.ids, id)
		sim.pools = append(sim.pools, sim.makePool(i, rng))
	}
	logger.Info("simulation started",
		"transfers", opts.transfers, "peers", opts.peers, "duration", opts.duration)

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	g := taskgroup.New(taskgroup.Trigger(cancel))
	for i := range sim.ids {
		i := i
		src := rand.New(rand.NewSource(opts.seed + int64(i) + 1))
		g.Go(func() error { return sim.announce(runCtx, i, src) })
	}
	churn := rand.New(rand.NewSource(opts.seed - 1))
	g.Go(func() error { return sim.churn(runCtx, churn) })
	if err := g.Wait(); err != nil {
		return err
	}

	stats := make([]swarm.Stats, len(sim.ids))
	for i, id := range sim.ids {
		tr, ok := engine.Transfer(id)
		if !ok {
			return swarm.ErrUnknownTransfer
		}
		if stats[i], err = tr.Stats(context.Background()); err != nil {
			return err
		}
	}
	dials := network.TotalDials()

	if err := engine.Stop(); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return sim.printSummary(out, db, stats, dials)
}

// makePool creates the swarm of transfer i. Addresses are unique per
// transfer, and a fraction of the peers are seeds.
func (s *simulation) makePool(i int, rng *rand.Rand) []peerlist.Endpoint {
	pool := make([]peerlist.Endpoint, s.opts.peers)
	for j := range pool {
		ip := netip.AddrFrom4([4]byte{45, byte(i), byte(j >> 8), byte(j)})
		ep := peerlist.NewEndpoint(ip, uint16(6881+rng.Intn(64)))
		pool[j] = ep
		if rng.Float64() < s.opts.seedRatio {
			s.seeds[ep] = true
			s.network.SetSeed(ep, true)
		}
	}
	return pool
}

// announce feeds random batches of peers of transfer i from random
// discovery sources until ctx is done.
func (s *simulation) announce(ctx context.Context, i int, rng *rand.Rand) error {
	tr, ok := s.engine.Transfer(s.ids[i])
	if !ok {
		return swarm.ErrUnknownTransfer
	}
	pool := s.pools[i]

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		batch := make([]peerlist.Endpoint, 1+rng.Intn(maxAnnounce))
		for k := range batch {
			batch[k] = pool[rng.Intn(len(pool))]
		}

		var (
			added int
			err   error
		)
		src := s.sources.PickSource(rng).(peerlist.PeerSource)
		if src == peerlist.SourcePEX {
			flags := make([]peerlist.PeerFlags, len(batch))
			for k, ep := range batch {
				if s.seeds[ep] {
					flags[k] = peerlist.FlagSeed
				}
			}
			var payload []byte
			payload, err = bencode.Marshal(peerlist.NewPexMessage(batch, flags))
			if err != nil {
				return err
			}
			added, err = tr.AddPexMessage(ctx, payload)
		} else {
			added, err = tr.AddPeers(ctx, src, batch, nil)
		}
		switch {
		case ctx.Err() != nil, errors.Is(err, swarm.ErrTransferStopped):
			return nil
		case err != nil:
			return err
		}
		s.logger.Debug("announced peers", "transfer", s.ids[i], "source", src, "count", len(batch), "new", added)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// churn ends random sessions and connects random peers to us until ctx is
// done.
func (s *simulation) churn(ctx context.Context, rng *rand.Rand) error {
	ticker := time.NewTicker(churnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if sessions := s.network.Sessions(); len(sessions) > 0 && rng.Intn(2) == 0 {
			var reason error
			if rng.Intn(4) == 0 {
				reason = errConnectionReset
			}
			sessions[rng.Intn(len(sessions))].End(reason)
		}

		if rng.Intn(3) == 0 {
			i := rng.Intn(len(s.ids))
			ep := s.pools[i][rng.Intn(len(s.pools[i]))]
			remote := peerlist.NewEndpoint(ep.IP, uint16(49152+rng.Intn(16384)))
			session := s.network.Incoming(remote, ep.Port, s.seeds[ep])
			err := s.engine.Accept(ctx, s.ids[i], session)
			switch {
			case ctx.Err() != nil:
				return nil
			case err != nil:
				s.logger.Debug("incoming connection rejected", "transfer", s.ids[i], "peer", remote, "err", err)
			}
		}
	}
}

func (s *simulation) printSummary(w io.Writer, db dbm.DB, stats []swarm.Stats, dials int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSFER\tPEERS\tCANDIDATES\tSEEDS\tCONNECTED\tSAVED\tBANNED\tUPLOADED\tDOWNLOADED")
	for i, id := range s.ids {
		saved, err := peerlist.ListResume(db, id)
		if err != nil {
			return err
		}
		var banned int
		var up, down uint64
		for _, p := range saved {
			if p.Banned {
				banned++
			}
			up += uint64(p.Uploaded) << 10
			down += uint64(p.Downloaded) << 10
		}
		st := stats[i]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			id, st.Peers, st.Candidates, st.Seeds, st.Connected,
			len(saved), banned, humanize.IBytes(up), humanize.IBytes(down))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s dials\n", humanize.Comma(int64(dials)))
	return err
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func startPrometheusServer(addr string, logger log.Logger) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: 1},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}
