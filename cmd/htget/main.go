// htget fetches URLs through the pooled HTTP/1 and HTTP/2 transport.
//
// Usage:
//
//	htget [flags] URL
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.httptransport/config.toml")
//	-X string
//	    Request method (default "GET")
//	-H value
//	    Request header "Name: value" (repeatable)
//	-d string
//	    Request body
//	-n int
//	    Send the request n times, reusing pooled connections (default 1)
//	-i
//	    Print the response head
//	-tunnel string
//	    Open a CONNECT tunnel to host:port through URL and relay stdin/stdout
//	-timeout duration
//	    Overall timeout (default 30s)
//	-metrics
//	    Print metrics to stderr after the run
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-i2p/httptransport/lib/body"
	"github.com/go-i2p/httptransport/lib/core"
	"github.com/go-i2p/httptransport/lib/message"
	"github.com/go-i2p/httptransport/lib/metrics"
	"github.com/go-i2p/httptransport/version"
)

// headerFlags collects repeated -H flags.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in \"Name: value\" form", v)
	}
	*h = append(*h, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".httptransport", "config.toml")

	var headers headerFlags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	method := flag.String("X", http.MethodGet, "Request method")
	flag.Var(&headers, "H", "Request header \"Name: value\" (repeatable)")
	data := flag.String("d", "", "Request body")
	repeat := flag.Int("n", 1, "Send the request n times, reusing pooled connections")
	include := flag.Bool("i", false, "Print the response head")
	tunnel := flag.String("tunnel", "", "Open a CONNECT tunnel to host:port through URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	showMetrics := flag.Bool("metrics", false, "Print metrics to stderr after the run")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "htget - fetch URLs through a pooled HTTP/1 and HTTP/2 transport\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  htget [flags] URL\n")
		fmt.Fprintf(os.Stderr, "  htget -tunnel host:port PROXY-URL\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("htget version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	target := flag.Arg(0)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	client, err := core.NewClient(cfg)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		return 1
	}
	defer client.Close()

	metrics.RecordStartTime()
	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Listen, logger)
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	code := 0
	if *tunnel != "" {
		if err := runTunnel(ctx, client, target, *tunnel, logger); err != nil {
			logger.Error("tunnel failed", "error", err)
			code = 1
		}
	} else {
		for i := 0; i < *repeat; i++ {
			if err := fetch(ctx, client, *method, target, headers, *data, *include, logger); err != nil {
				logger.Error("request failed", "error", err, "attempt", i+1)
				code = 1
				break
			}
		}
	}

	st := client.Stats()
	logger.Debug("pool stats",
		"http_idle", st.HTTP.Idle, "http_opened", st.HTTP.Opened, "http_reused", st.HTTP.Reused,
		"https_idle", st.HTTPS.Idle, "https_opened", st.HTTPS.Opened, "https_reused", st.HTTPS.Reused,
	)
	if *showMetrics {
		fmt.Fprint(os.Stderr, metrics.Expose())
	}
	return code
}

func fetch(ctx context.Context, client *core.Client, method, target string, headers []string, data string, include bool, logger *slog.Logger) error {
	head, err := message.NewRequestHead(method, target)
	if err != nil {
		return err
	}
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ":")
		head.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	var b body.MessageBody
	if data != "" {
		b = body.String(data)
	}

	start := time.Now()
	rh, payload, err := client.Do(ctx, head, b)
	if err != nil {
		return err
	}
	defer payload.Close()

	if include {
		printHead(os.Stdout, rh)
	}
	n, err := io.Copy(os.Stdout, payload)
	if err != nil {
		return err
	}
	logger.Debug("response received",
		"status", rh.Status, "version", rh.Version.String(), "bytes", n, "elapsed", time.Since(start))
	return nil
}

func printHead(w io.Writer, rh *message.ResponseHead) {
	fmt.Fprintf(w, "%s %d %s\r\n", rh.Version, rh.Status, rh.Reason)
	names := make([]string, 0, len(rh.Header))
	for name := range rh.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range rh.Header[name] {
			fmt.Fprintf(w, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprint(w, "\r\n")
}

func runTunnel(ctx context.Context, client *core.Client, proxy, target string, logger *slog.Logger) error {
	rh, conn, err := client.Tunnel(ctx, proxy, target)
	if err != nil {
		return err
	}
	defer conn.Close()
	if rh.Status < 200 || rh.Status > 299 {
		return fmt.Errorf("proxy refused tunnel: %d %s", rh.Status, rh.Reason)
	}
	logger.Info("tunnel established", "proxy", proxy, "target", target)

	// Interrupts and the overall timeout tear the tunnel down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		errc <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		errc <- err
	}()
	err = <-errc
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
