// Command simplemux multiplexes IP packets or Ethernet frames read from a
// tun/tap interface into bundles sent over an outer transport, and
// demultiplexes the reverse direction, per the external interface described
// in SPEC_FULL.md §6.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/simplemux/simplemux/internal/metrics"
	"github.com/simplemux/simplemux/internal/muxcodec"
	"github.com/simplemux/simplemux/internal/muxcontext"
	"github.com/simplemux/simplemux/internal/netio"
	"github.com/simplemux/simplemux/internal/scheduler"
	appversion "github.com/simplemux/simplemux/internal/version"
)

// metricsAddr is where the debug Prometheus endpoint listens when -d
// requests it. There is no flag for this in spec.md's CLI surface; a fixed
// loopback address keeps the debug endpoint from being exposed by accident.
const metricsAddr = "127.0.0.1:9521"

func main() {
	os.Exit(run())
}

// options holds the parsed, not-yet-validated CLI flags, mirroring
// spec.md's external interface one field per flag.
type options struct {
	innerIface string
	outerIface string
	peer       string
	mode       string
	tunnel     string
	fast       bool
	blast      bool
	port       int
	debug      int
	rohcMode   int
	count      int
	mtu        int
	sizeBytes  int
	timeoutUs  int
	periodUs   int
	logPath    string
	autoLog    bool
	version    bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("simplemux", flag.ContinueOnError)
	o := &options{}
	fs.BoolVar(&o.version, "v", false, "print version information and exit")
	fs.StringVar(&o.innerIface, "i", "", "inner interface name")
	fs.StringVar(&o.outerIface, "e", "", "outer interface name (IP selection and MTU)")
	fs.StringVar(&o.peer, "c", "", "peer IP address")
	fs.StringVar(&o.mode, "M", "network", "outer mode: network|udp|tcpserver|tcpclient")
	fs.StringVar(&o.tunnel, "T", "tun", "inner interface type: tun|tap")
	fs.BoolVar(&o.fast, "f", false, "use the fast flavor")
	fs.BoolVar(&o.blast, "b", false, "use the blast flavor (requires -P)")
	fs.IntVar(&o.port, "p", muxcontext.PortNormal, "outer port")
	fs.IntVar(&o.debug, "d", 0, "debug level (0-3)")
	fs.IntVar(&o.rohcMode, "r", 0, "rohc mode (0-2)")
	fs.IntVar(&o.count, "n", 0, "count trigger (packets)")
	fs.IntVar(&o.mtu, "m", 1500, "user mtu")
	fs.IntVar(&o.sizeBytes, "B", 0, "size trigger (bytes)")
	fs.IntVar(&o.timeoutUs, "t", 0, "timeout trigger (microseconds)")
	fs.IntVar(&o.periodUs, "P", 0, "period (microseconds)")
	fs.StringVar(&o.logPath, "l", "stdout", "log path, or \"stdout\"")
	fs.BoolVar(&o.autoLog, "L", false, "auto-named log file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func run() int {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if o.version {
		fmt.Println(appversion.Full("simplemux"))
		return 0
	}

	logger, closeLog, err := newLogger(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	ctx, err := buildContext(o)
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("simplemux starting",
		slog.String("mode", ctx.Mode.String()),
		slog.String("flavor", ctx.Flavor.String()),
		slog.String("peer", ctx.PeerAddr),
		slog.Int("port", ctx.Port),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	inner, outer, feedback, err := openLinks(ctx)
	if err != nil {
		logger.Error("failed to open links", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(o, ctx, reg, collector, inner, outer, feedback, logger); err != nil {
		logger.Error("simplemux exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("simplemux stopped")
	return 0
}

// runServers runs the scheduler loop alongside the optional debug metrics
// HTTP server under a shared errgroup, shutting both down when SIGINT/SIGTERM
// arrives. This is the only place signal handling or goroutine fan-out
// exists in the whole program: the scheduler itself (internal/scheduler)
// remains single-threaded by design (SPEC_FULL.md §5) and has no
// cancellation of its own, so shutdown works by closing the links out from
// under its blocking Recv calls.
func runServers(
	o *options,
	ctx *muxcontext.Context,
	reg *prometheus.Registry,
	collector *metrics.Collector,
	inner, outer, feedback netio.Link,
	logger *slog.Logger,
) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(sigCtx)

	var metricsSrv *http.Server
	if o.debug > 0 {
		metricsSrv = startMetricsServer(reg, logger)
		g.Go(func() error {
			<-gCtx.Done()
			return metricsSrv.Close()
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		closeLink(inner, "inner", logger)
		closeLink(outer, "outer", logger)
		if feedback != nil {
			closeLink(feedback, "feedback", logger)
		}
		return nil
	})

	loop := scheduler.New(ctx, inner, outer, feedback, collector, logger)
	g.Go(func() error {
		err := loop.Run()
		if err != nil && gCtx.Err() != nil {
			// Shutdown already in progress: the goroutine above closed our
			// links out from under a blocked Recv, and the resulting error
			// (whatever shape the OS or net package gives it) is expected,
			// not a failure.
			return nil
		}
		return err
	})

	return g.Wait()
}

// buildContext translates parsed flags into a validated muxcontext.Context,
// applying the same defaulting/clamping rules as the external interface.
func buildContext(o *options) (*muxcontext.Context, error) {
	mode, err := parseMode(o.mode)
	if err != nil {
		return nil, err
	}
	tunnel, err := parseTunnel(o.tunnel)
	if err != nil {
		return nil, err
	}
	flavor, err := flavorFromFlags(o)
	if err != nil {
		return nil, err
	}
	rohcMode, err := parseROHCMode(o.rohcMode)
	if err != nil {
		return nil, err
	}

	ctx := &muxcontext.Context{
		Mode:       mode,
		Tunnel:     tunnel,
		Flavor:     flavor,
		ROHC:       rohcMode,
		InnerIface: o.innerIface,
		OuterIface: o.outerIface,
		PeerAddr:   o.peer,
		Port:       o.port,
		Policy: muxcontext.Policy{
			LimitNumPackets: o.count,
			SizeThreshold:   o.sizeBytes,
			Timeout:         time.Duration(o.timeoutUs) * time.Microsecond,
			Period:          time.Duration(o.periodUs) * time.Microsecond,
			SelectedMTU:     o.mtu,
		},
	}
	// Validate sees the triggers as the operator gave them; Normalize's
	// defaults (LimitNumPackets=1 when none is set) would otherwise make
	// every Blast configuration look like it sets a count trigger.
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	ctx.Policy.Normalize(ctx.Mode)
	return ctx, nil
}

func parseMode(s string) (muxcontext.Mode, error) {
	switch s {
	case "network":
		return muxcontext.ModeNetwork, nil
	case "udp":
		return muxcontext.ModeUDP, nil
	case "tcpserver":
		return muxcontext.ModeTCPServer, nil
	case "tcpclient":
		return muxcontext.ModeTCPClient, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: %w", s, muxcontext.ErrInvalidOption)
	}
}

func parseTunnel(s string) (muxcontext.TunnelMode, error) {
	switch s {
	case "tun":
		return muxcontext.TunnelTun, nil
	case "tap":
		return muxcontext.TunnelTap, nil
	default:
		return 0, fmt.Errorf("unknown tunnel type %q: %w", s, muxcontext.ErrInvalidOption)
	}
}

func parseROHCMode(n int) (muxcontext.ROHCMode, error) {
	switch n {
	case 0:
		return muxcontext.ROHCOff, nil
	case 1:
		return muxcontext.ROHCUnidirectional, nil
	case 2:
		return muxcontext.ROHCBidirectionalOptimistic, nil
	default:
		return 0, fmt.Errorf("rohc mode %d out of range 0-2: %w", n, muxcontext.ErrInvalidOption)
	}
}

// flavorFromFlags resolves -f/-b into a Flavor without second-guessing what
// the operator asked for: -b together with -f is rejected here rather than
// silently resolved to a winner, so the CLI validation error (exit code 1)
// actually fires. -M tcpserver/-M tcpclient without -f is not checked here:
// the flavor is left as Normal/Blast and Context.Validate rejects it.
func flavorFromFlags(o *options) (muxcontext.Flavor, error) {
	if o.blast && o.fast {
		return 0, fmt.Errorf("-b and -f are mutually exclusive: %w", muxcontext.ErrInvalidOption)
	}
	switch {
	case o.blast:
		return muxcontext.FlavorBlast, nil
	case o.fast:
		return muxcontext.FlavorFast, nil
	default:
		return muxcontext.FlavorNormal, nil
	}
}

// openLinks opens the inner tun/tap interface and the outer transport link
// selected by ctx.Mode, plus the feedback link when ROHC is enabled.
func openLinks(ctx *muxcontext.Context) (inner, outer, feedback netio.Link, err error) {
	inner, err = netio.OpenTun(ctx.InnerIface, ctx.Tunnel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open inner interface: %w", err)
	}

	switch ctx.Mode {
	case muxcontext.ModeNetwork:
		protocol := outerProtocol(ctx.Flavor)
		outer, err = netio.NewRawLink(ctx.OuterIface, ctx.PeerAddr, protocol)
	case muxcontext.ModeUDP:
		outer, err = netio.NewUDPLink(ctx.Port, ctx.PeerAddr, ctx.Port)
	case muxcontext.ModeTCPClient:
		outer, err = netio.DialTCP(ctx.PeerAddr, ctx.Port)
	case muxcontext.ModeTCPServer:
		outer, err = netio.ListenTCP(ctx.Port)
	default:
		err = fmt.Errorf("unsupported mode %s", ctx.Mode)
	}
	if err != nil {
		_ = inner.Close()
		return nil, nil, nil, fmt.Errorf("open outer link: %w", err)
	}

	if ctx.ROHC != muxcontext.ROHCOff {
		feedback, err = netio.NewUDPLink(muxcontext.PortFeedback, ctx.PeerAddr, muxcontext.PortFeedback)
		if err != nil {
			_ = inner.Close()
			_ = outer.Close()
			return nil, nil, nil, fmt.Errorf("open feedback link: %w", err)
		}
	}

	return inner, outer, feedback, nil
}

func outerProtocol(flavor muxcontext.Flavor) uint8 {
	switch flavor {
	case muxcontext.FlavorFast:
		return muxcodec.ProtoSimplemuxFast
	case muxcontext.FlavorBlast:
		return muxcodec.ProtoSimplemuxBlast
	default:
		return muxcodec.ProtoSimplemux
	}
}

func closeLink(l netio.Link, name string, logger *slog.Logger) {
	if err := l.Close(); err != nil {
		logger.Warn("error closing link", slog.String("link", name), slog.String("error", err.Error()))
	}
}

// newLogger builds the bootstrap structured logger. "-l stdout" (the
// default) logs to standard output; any other path opens that file; -L
// derives an auto-named path from the current time.
func newLogger(o *options) (*slog.Logger, func(), error) {
	level := debugToLevel(o.debug)
	opts := &slog.HandlerOptions{Level: level}

	if o.logPath == "stdout" && !o.autoLog {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), func() {}, nil
	}

	path := o.logPath
	if o.autoLog {
		path = fmt.Sprintf("simplemux-%s.log", time.Now().Format("20060102-150405"))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), func() { _ = f.Close() }, nil
}

func debugToLevel(d int) slog.Level {
	switch {
	case d >= 3:
		return slog.LevelDebug
	case d == 2:
		return slog.LevelInfo
	case d == 1:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func startMetricsServer(reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		logger.Info("metrics server listening", slog.String("addr", metricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return srv
}
