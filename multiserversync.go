// MultiServerSync clock synchronization and event ordering node

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"example.com/multiserversync/benchmark"

	"example.com/multiserversync/core/config"
	"example.com/multiserversync/core/engine"
	"example.com/multiserversync/core/measurements"
	"example.com/multiserversync/core/stats"
	"example.com/multiserversync/core/status"
	"example.com/multiserversync/core/transport"

	"example.com/multiserversync/driver/clock"

	"example.com/multiserversync/net/syncpkt"
)

const (
	probeTimeout = time.Second
	statusPeriod = 100 * time.Millisecond
)

var (
	log *zap.Logger

	errNoReply = errors.New("no reply received")
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func runMonitor(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("failed to serve metrics: %w", err)
}

// runHost logs released events and peer notifications in place of a host
// application.
func runHost(ctx context.Context, e *engine.Engine) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.Events():
			log.Info("released event", zap.Object("event", ev))
		case n := <-e.Notifications():
			log.Info("peer notification",
				zap.Stringer("kind", n.Kind),
				zap.Object("peer", n.Peer),
				zap.Int("quality", n.Quality.Score),
			)
		}
	}
}

func runServer(configFile string) {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := clock.NewSystemClock(log, cfg.MaxDriftPPM)
	e, err := engine.New(log, lclk, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal("failed to create engine", zap.Error(err))
	}
	defer e.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx)
	})
	g.Go(func() error {
		return runHost(ctx, e)
	})
	if cfg.StatusAddr != "" {
		srv := status.NewServer(log, e, prometheus.DefaultGatherer, statusPeriod)
		g.Go(func() error {
			return srv.Run(ctx, cfg.StatusAddr)
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return runMonitor(ctx, cfg.MetricsAddr)
		})
	}
	err = g.Wait()
	if err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}

// measure runs count probe exchanges with remote, one at a time.
func measure(ctx context.Context, tr *transport.Transport, remote netip.AddrPort,
	count int, interval time.Duration) ([]measurements.Measurement, stats.Latency, error) {
	tracker := stats.NewTracker()
	var ms []measurements.Measurement
	for i := 0; i != count; i++ {
		if i != 0 {
			select {
			case <-ctx.Done():
				return nil, stats.Latency{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		err := tr.SendProbe(remote)
		if err != nil {
			return nil, stats.Latency{}, err
		}
		timer := time.NewTimer(probeTimeout)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, stats.Latency{}, ctx.Err()
			case <-timer.C:
				tr.Forget(remote)
				tracker.RecordLoss(remote)
				log.Info("probe timed out", zap.Stringer("to", remote))
				break wait
			case p := <-tr.Incoming():
				if p.Src != remote || p.Pkt.Magic != syncpkt.MagicReply {
					continue
				}
				timer.Stop()
				m := measurements.FromExchange(p.Pkt.OriginTime, p.Pkt.ReceiveTime, p.Pkt.TransmitTime, p.RxTime)
				ms = append(ms, m)
				tracker.RecordRTT(remote, m.Delay)
				log.Debug("measured clock offset",
					zap.Stringer("to", remote),
					zap.Duration("offset", m.Offset),
					zap.Duration("delay", m.Delay),
				)
				break wait
			}
		}
	}
	if len(ms) == 0 {
		return nil, stats.Latency{}, errNoReply
	}
	l, _ := tracker.Latency(remote)
	return ms, l, nil
}

func runProbe(localAddr, remoteAddr string, count int) {
	laddr, err := netip.ParseAddrPort(localAddr)
	if err != nil {
		log.Fatal("invalid local address", zap.String("addr", localAddr), zap.Error(err))
	}
	raddr, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		log.Fatal("invalid remote address", zap.String("addr", remoteAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := clock.NewSystemClock(log, config.Default().MaxDriftPPM)
	tr := transport.New(log, lclk, uuid.New(), transport.Params{
		LocalAddr:    laddr,
		NumReceivers: 1,
		ProbeTimeout: probeTimeout,
	}, nil, nil)
	err = tr.Listen()
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ms, l, err := measure(ctx, tr, raddr, count, config.Default().ProbeInterval.Duration)
	if err != nil {
		log.Error("failed to measure clock offset", zap.Stringer("to", raddr), zap.Error(err))
		return
	}
	median, best := measurements.Median(ms), measurements.MinDelay(ms)
	log.Info("measured clock offset",
		zap.Stringer("to", raddr),
		zap.Duration("median", median.Offset),
		zap.Duration("ftm", measurements.FaultTolerantMidpoint(ms).Offset),
		zap.Duration("best", best.Offset),
		zap.Duration("bestDelay", best.Delay),
	)
	log.Info("link statistics",
		zap.Stringer("to", raddr),
		zap.Int("samples", l.Samples),
		zap.Float64("loss", l.LossRatio),
		zap.Duration("min", l.Min),
		zap.Duration("p50", l.P50),
		zap.Duration("p99", l.P99),
		zap.Duration("jitter", l.Jitter),
		zap.Int("quality", l.Quality.Score),
		zap.Stringer("level", l.Quality.Level),
	)
}

func runBenchmark(localAddr, remoteAddr string, clients, requests int) {
	laddr, err := netip.ParseAddrPort(localAddr)
	if err != nil {
		log.Fatal("invalid local address", zap.String("addr", localAddr), zap.Error(err))
	}
	raddr, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		log.Fatal("invalid remote address", zap.String("addr", remoteAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := clock.NewSystemClock(zap.NewNop(), config.Default().MaxDriftPPM)
	hg, err := benchmark.Run(ctx, log, lclk, benchmark.Params{
		LocalAddr:  laddr,
		RemoteAddr: raddr,
		Clients:    clients,
		Requests:   requests,
	})
	if err != nil {
		if hg == nil {
			log.Fatal("benchmark failed", zap.Error(err))
		}
		log.Error("benchmark failed", zap.Error(err))
	}
	err = benchmark.Print(os.Stdout, hg)
	if err != nil {
		log.Fatal("failed to print histogram", zap.Error(err))
	}
}

func fetchStatus(ctx context.Context, addr string) (engine.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return engine.Snapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return engine.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.Snapshot{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var s engine.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&s)
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return s, nil
}

func printStatus(s engine.Snapshot) {
	fmt.Printf("instance\t%s\naddress\t\t%s\nsynced\t\t%t\n", s.Self.Instance, s.Self.Addr, s.Synced)
	if s.Synced || !s.Time.IsZero() {
		fmt.Printf("time\t\t%s\nframe\t\t%d\noffset\t\t%s\nuncertainty\t%s\n",
			s.Time.Format(time.RFC3339Nano), s.Frame, s.Offset, s.Uncertainty)
	}
	fmt.Printf("pending\t\t%d\n\n", s.Pending)
	for _, p := range s.Peers {
		fmt.Printf("%-24s %-12s offset %-12s uncertainty %-12s timeouts %d",
			p.ID.Addr, p.Status, p.Offset, p.Uncertainty, p.Timeouts)
		if p.Latency != nil {
			fmt.Printf(" rtt %s quality %d (%s)", p.Latency.P50, p.Latency.Quality.Score, p.Latency.Quality.Level)
		}
		fmt.Println()
	}
}

func runStatus(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := fetchStatus(ctx, addr)
	if err != nil {
		log.Fatal("failed to fetch status", zap.String("addr", addr), zap.Error(err))
	}
	printStatus(s)
}

func exitWithUsage() {
	fmt.Println("usage: multiserversync server -config <file> [-verbose]")
	fmt.Println("       multiserversync probe -remote <addr> [-local <addr>] [-count <n>] [-verbose]")
	fmt.Println("       multiserversync status -addr <host:port>")
	fmt.Println("       multiserversync benchmark -remote <addr> [-local <addr>] [-clients <n>] [-requests <n>]")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		localAddr  string
		remoteAddr string
		statusAddr string
		count      int
		clients    int
		requests   int
	)

	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	probeFlags := flag.NewFlagSet("probe", flag.ExitOnError)
	statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	serverFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	serverFlags.StringVar(&configFile, "config", "", "Config file")

	probeFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	probeFlags.StringVar(&localAddr, "local", "0.0.0.0:0", "Local address")
	probeFlags.StringVar(&remoteAddr, "remote", "", "Remote address")
	probeFlags.IntVar(&count, "count", 8, "Number of probes")

	statusFlags.StringVar(&statusAddr, "addr", "127.0.0.1:7080", "Status server address")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&localAddr, "local", "0.0.0.0:0", "Local address")
	benchmarkFlags.StringVar(&remoteAddr, "remote", "", "Remote address")
	benchmarkFlags.IntVar(&clients, "clients", 1, "Number of concurrent clients")
	benchmarkFlags.IntVar(&requests, "requests", 10_000, "Number of requests per client")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case serverFlags.Name():
		err := serverFlags.Parse(os.Args[2:])
		if err != nil || serverFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runServer(configFile)
	case probeFlags.Name():
		err := probeFlags.Parse(os.Args[2:])
		if err != nil || probeFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remoteAddr == "" || count <= 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runProbe(localAddr, remoteAddr, count)
	case statusFlags.Name():
		err := statusFlags.Parse(os.Args[2:])
		if err != nil || statusFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(false)
		runStatus(statusAddr)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remoteAddr == "" || clients <= 0 || requests <= 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runBenchmark(localAddr, remoteAddr, clients, requests)
	default:
		exitWithUsage()
	}
}
