package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/fortify/internal/cache"
	"github.com/die-net/fortify/internal/config"
	"github.com/die-net/fortify/internal/dialer"
	"github.com/die-net/fortify/internal/metrics"
	"github.com/die-net/fortify/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are command-line settings that are not part of the proxy
// configuration file.
type options struct {
	configFile   string
	debugListen  string
	tcpKeepAlive string
	verbose      bool
	logJSON      bool
}

func run() error {
	pc, opts, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := newLogger(opts.logJSON, opts.verbose)

	ka, err := parseTCPKeepAlive(opts.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	collector := metrics.NewCollector()
	cfg := proxy.Config{
		Authentication:     pc.Authentication,
		Username:           pc.Username,
		Password:           pc.Password,
		TargetAddress:      pc.TargetAddress,
		NegotiationTimeout: pc.NegotiationTimeout,
		IdleTimeout:        pc.IdleTimeout,
		MaxBodyBytes:       pc.MaxBodyBytes,
		Metrics:            collector,
		Logger:             logger,
		OriginTLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
	if pc.CacheEnabled {
		cfg.Cache = cache.New(pc.CacheTTL)
	}

	dialCfg := dialer.Config{
		DialTimeout:        pc.DialTimeout,
		NegotiationTimeout: pc.NegotiationTimeout,
		KeepAlive:          ka,
	}
	cfg.Dialer, err = dialer.New(dialCfg, pc.SOCKS5Address)
	if err != nil {
		return fmt.Errorf("invalid socks5 address: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.debugListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewPrometheusCollector(collector),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", opts.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", opts.debugListen).Msg("debug listening")
	}

	ln, err := proxy.Listen(pc, ka)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}

	// In-flight connections must survive the signal until the grace period
	// runs out, so the server gets a context that is never canceled.
	srv := proxy.NewServer(context.WithoutCancel(ctx), cfg)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Dur("grace", pc.ShutdownGrace).Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), pc.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("https", pc.HTTPSEnabled).
		Bool("auth", pc.Authentication).
		Bool("cache", pc.CacheEnabled).
		Str("socks5", pc.SOCKS5Address).
		Msg("proxy listening")

	err = g.Wait()

	m := srv.Metrics()
	logger.Info().
		Int64("requests", m.TotalRequests).
		Int64("cache_hits", m.CacheHits).
		Int64("cache_misses", m.CacheMisses).
		Int64("errors", m.Errors).
		Dur("avg_response_time", m.AverageResponseTime()).
		Msg("stopped")
	return err
}

// loadConfig builds the proxy configuration from defaults, an optional
// YAML file, and command-line flags, in increasing order of precedence.
func loadConfig(args []string) (config.ProxyConfig, options, error) {
	pc := config.Default()
	var opts options

	fs := newFlagSet(&pc, &opts)
	if err := fs.Parse(args); err != nil {
		return config.ProxyConfig{}, options{}, err
	}

	if opts.configFile != "" {
		var err error
		pc, err = config.Load(opts.configFile)
		if err != nil {
			return config.ProxyConfig{}, options{}, err
		}

		// Parse again on top of the file so only explicitly set flags
		// override it.
		if err := newFlagSet(&pc, &opts).Parse(args); err != nil {
			return config.ProxyConfig{}, options{}, err
		}
	}

	if err := pc.Validate(); err != nil {
		return config.ProxyConfig{}, options{}, fmt.Errorf("invalid config: %w", err)
	}
	return pc, opts, nil
}

func newFlagSet(pc *config.ProxyConfig, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&opts.configFile, "config", "", "YAML configuration file. Flags that are set explicitly override it.")

	fs.StringVar(&pc.IPAddress, "ip-address", pc.IPAddress, "IP address to listen on")
	fs.IntVar(&pc.Port, "port", pc.Port, "Port to listen on")

	fs.BoolVar(&pc.Authentication, "authentication", pc.Authentication, "Require Basic Proxy-Authorization from clients")
	fs.StringVar(&pc.Username, "username", pc.Username, "Username for proxy authentication")
	fs.StringVar(&pc.Password, "password", pc.Password, "Password for proxy authentication")

	fs.BoolVar(&pc.CacheEnabled, "cache", pc.CacheEnabled, "Cache GET and HEAD responses in memory")
	fs.DurationVar(&pc.CacheTTL, "cache-ttl", pc.CacheTTL, "Expire cached responses after this long (0 keeps them until exit)")

	fs.StringVar(&pc.SOCKS5Address, "socks5-address", defaultSOCKS5Address(pc.SOCKS5Address), "Route outbound connections through this SOCKS5 server: host:port | socks5://host:port. Empty dials directly.")

	fs.BoolVar(&pc.HTTPSEnabled, "https", pc.HTTPSEnabled, "Terminate TLS on the listening socket")
	fs.StringVar(&pc.CertificatePath, "certificate", pc.CertificatePath, "PEM certificate file for --https")
	fs.StringVar(&pc.PrivateKeyPath, "private-key", pc.PrivateKeyPath, "PEM private key file for --https")

	fs.StringVar(&pc.TargetAddress, "target-address", pc.TargetAddress, "Forward every non-CONNECT request to this host:port")

	fs.DurationVar(&pc.DialTimeout, "dial-timeout", pc.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&pc.NegotiationTimeout, "negotiation-timeout", pc.NegotiationTimeout, "Timeout for TLS handshakes, reading request headers, and SOCKS5 negotiation")
	fs.DurationVar(&pc.IdleTimeout, "idle-timeout", pc.IdleTimeout, "Close connections idle for this long (0 disables)")
	fs.Int64Var(&pc.MaxBodyBytes, "max-body-bytes", pc.MaxBodyBytes, "Refuse request bodies larger than this with 413 (0 disables)")
	fs.DurationVar(&pc.ShutdownGrace, "shutdown-grace", pc.ShutdownGrace, "Time to let in-flight connections finish on shutdown")

	fs.StringVar(&opts.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&opts.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable per-connection debug logging")
	fs.BoolVar(&opts.logJSON, "log-json", false, "Log JSON lines instead of console output")

	return fs
}

func newLogger(jsonOutput, verbose bool) zerolog.Logger {
	var logger zerolog.Logger
	if jsonOutput {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	if verbose {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// defaultSOCKS5Address falls back to a socks5:// ALL_PROXY from the
// environment when nothing else is configured.
func defaultSOCKS5Address(current string) string {
	if current != "" {
		return current
	}

	for _, env := range []string{"ALL_PROXY", "all_proxy"} {
		if p := os.Getenv(env); strings.HasPrefix(strings.ToLower(p), "socks5://") {
			return p
		}
	}
	return ""
}
