package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/socksd-io/socksd/internal/config"
	"github.com/socksd-io/socksd/internal/conn"
	"github.com/socksd-io/socksd/internal/dialer"
	"github.com/socksd-io/socksd/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	def := config.Default()

	var (
		configPath = pflag.String("config", "", "Path to YAML config file. Flags override file settings.")

		listen      = pflag.String("listen", def.Listen, "SOCKS5 proxy listen address")
		upstream    = pflag.String("upstream", def.Upstream, "Outbound target URL: direct:// | socks5://[user:pass@]host:port")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")

		dialTimeout        = pflag.Duration("dial-timeout", def.Timeouts.Dial.Std(), "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", def.Timeouts.Negotiation.Std(), "Timeout for SOCKS5 negotiation to set up a connection")
		ioTimeout          = pflag.Duration("io-timeout", def.Timeouts.IO.Std(), "Timeout for the relay phase. Zero disables.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", def.KeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	changed := pflag.CommandLine.Changed
	if changed("listen") {
		cfg.Listen = *listen
	}
	if changed("upstream") {
		cfg.Upstream = *upstream
	}
	if changed("debug-listen") {
		cfg.DebugListen = *debugListen
	}
	if changed("dial-timeout") {
		cfg.Timeouts.Dial = config.Duration(*dialTimeout)
	}
	if changed("negotiation-timeout") {
		cfg.Timeouts.Negotiation = config.Duration(*negotiationTimeout)
	}
	if changed("io-timeout") {
		cfg.Timeouts.IO = config.Duration(*ioTimeout)
	}
	if changed("tcp-keepalive") {
		cfg.KeepAlive = *tcpKeepAlive
	}
	if changed("verbose") {
		cfg.Verbose = *verbose
	}

	setupLogging(cfg.Log)

	ka, err := config.ParseKeepAlive(cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("invalid keepalive: %w", err)
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout: cfg.Timeouts.Dial.Std(),
		KeepAlive:   ka,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		slog.Info("debug listening", "addr", cfg.DebugListen)
	}

	ln, err := conn.ListenTCP(ctx, "tcp", cfg.Listen, ka)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(proxy.Config{
		Dialer:             d,
		NegotiationTimeout: cfg.Timeouts.Negotiation.Std(),
		IOTimeout:          cfg.Timeouts.IO.Std(),
		Verbose:            cfg.Verbose,
	})
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
		srv.DisconnectAll()
	})

	g.Go(func() error {
		if err := srv.Serve(ctx, ln); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})
	slog.Info("socks5 proxy listening", "addr", cfg.Listen)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	slog.Info("shutting down")
	return err
}

func setupLogging(cfg config.LogConfig) {
	var output io.Writer = os.Stdout

	if cfg.File != "" {
		output = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxAge:     7,   // days
			MaxBackups: 5,
			Compress:   true,
			LocalTime:  true,
		}
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	slog.SetDefault(slog.New(handler))
}
