// Command server broadcasts the output of a media graph to every HTTP client
// that connects. The graph is given in gst-launch syntax and must contain an
// element named "stream" whose output is fanned out to clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamcast/internal/broadcast"
	"streamcast/internal/journal"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/pipeline"
	"streamcast/internal/pipeline/gstengine"
	"streamcast/internal/server"
	"streamcast/internal/serverutil"
)

const (
	exitUsage   = 2
	exitStartup = 1
)

type notifierFunc func(play bool)

func (f notifierFunc) RequestPlay(play bool) { f(play) }

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: %s [flags] PORT CONTENT-TYPE GRAPH...

The graph is a gst-launch description whose words may be split across
arguments. It must contain an element named %q; everything that element
produces is broadcast to connected clients.

example:
  %s 8080 video/webm videotestsrc is-live=true ! vp8enc ! webmmux streamable=true name=stream

flags:
`, os.Args[0], gstengine.OutputElementName, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	bufferHard := flag.Duration("buffer-hard", 0, "buffered stream time after which a slow client is dropped")
	bufferSoft := flag.Duration("buffer-soft", 0, "buffered stream time after which delivery waits for a keyframe")
	writeTimeout := flag.Duration("write-timeout", 0, "maximum time a single client write may stall")
	queueDepth := flag.Int("queue-depth", 0, "per-client sample queue depth")
	noKeyframeWait := flag.Bool("no-keyframe-wait", false, "start new clients immediately instead of at the next keyframe")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "time allowed for graceful HTTP shutdown")
	journalAddr := flag.String("journal-redis-addr", "", "Redis address for the lifecycle journal")
	journalAddrs := flag.String("journal-redis-addrs", "", "comma separated Redis addresses for the lifecycle journal")
	journalStream := flag.String("journal-redis-stream", "", "Redis stream key for lifecycle entries")
	journalUsername := flag.String("journal-redis-username", "", "Redis username for the lifecycle journal")
	journalPassword := flag.String("journal-redis-password", "", "Redis password for the lifecycle journal")
	journalMaster := flag.String("journal-redis-sentinel-master", "", "Redis sentinel master name for the lifecycle journal")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 {
		usage()
		os.Exit(exitUsage)
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", args[0])
		os.Exit(exitUsage)
	}
	contentType := strings.TrimSpace(args[1])
	if contentType == "" {
		fmt.Fprintln(os.Stderr, "content type is required")
		os.Exit(exitUsage)
	}
	description := strings.Join(args[2:], " ")

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	jrnl := journal.Journal(journal.Nop{})
	redisAddr := firstNonEmpty(*journalAddr, os.Getenv("STREAMCAST_JOURNAL_REDIS_ADDR"))
	redisAddrs := splitAndTrim(firstNonEmpty(*journalAddrs, os.Getenv("STREAMCAST_JOURNAL_REDIS_ADDRS")))
	if redisAddr != "" || len(redisAddrs) > 0 {
		jrnl, err = journal.NewRedis(journal.RedisConfig{
			Addr:       redisAddr,
			Addrs:      redisAddrs,
			Username:   firstNonEmpty(*journalUsername, os.Getenv("STREAMCAST_JOURNAL_REDIS_USERNAME")),
			Password:   firstNonEmpty(*journalPassword, os.Getenv("STREAMCAST_JOURNAL_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*journalStream, os.Getenv("STREAMCAST_JOURNAL_REDIS_STREAM")),
			MasterName: firstNonEmpty(*journalMaster, os.Getenv("STREAMCAST_JOURNAL_REDIS_SENTINEL_MASTER")),
			Logger:     logging.WithComponent(logger, "journal"),
		})
		if err != nil {
			logger.Error("journal setup failed", "error", err)
			os.Exit(exitStartup)
		}
	}
	defer jrnl.Close()

	engine := gstengine.New(logger)
	controller := pipeline.NewController(engine, contentType, logger, recorder)

	var bridge *pipeline.Bridge
	registry := broadcast.NewRegistry(notifierFunc(func(play bool) { bridge.RequestPlay(play) }), logger)
	policy := broadcast.Policy{
		HardLimit:    resolveDuration(*bufferHard, "STREAMCAST_BUFFER_HARD", 0),
		SoftLimit:    resolveDuration(*bufferSoft, "STREAMCAST_BUFFER_SOFT", 0),
		WriteTimeout: resolveDuration(*writeTimeout, "STREAMCAST_WRITE_TIMEOUT", 0),
		WaitKeyframe: !*noKeyframeWait,
		QueueDepth:   *queueDepth,
	}
	fanout := broadcast.NewFanout(policy, registry, logger, recorder)
	fanout.OnClose = func(id string, reason broadcast.CloseReason) {
		_ = jrnl.Publish(context.Background(), journal.Entry{
			Kind:       "client_closed",
			ClientID:   id,
			Reason:     string(reason),
			OccurredAt: time.Now().UTC(),
		})
	}
	bridge = pipeline.NewBridge(controller, fanout, jrnl, logger, recorder)

	// os.Exit skips the deferred close, so flush the journal by hand on
	// every startup-failure path.
	if err := controller.Build(description, fanout); err != nil {
		logger.Error("graph construction failed", "error", err)
		jrnl.Close()
		os.Exit(exitStartup)
	}

	listener, err := serverutil.Listen(fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error("listener startup failed", "error", err)
		controller.Teardown()
		jrnl.Close()
		os.Exit(exitStartup)
	}

	srv := server.New(server.Config{
		Status:   controller,
		Fanout:   fanout,
		Registry: registry,
		Logger:   logger,
		Recorder: recorder,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = jrnl.Publish(ctx, journal.Entry{Kind: "startup", State: controller.State().String(), OccurredAt: time.Now().UTC()})
	logger.Info("listening", "addr", listener.Addr().String(), "content_type", contentType)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		return serverutil.Run(gctx, serverutil.Config{
			Server:          &http.Server{Handler: srv.Handler()},
			Listener:        listener,
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMCAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		})
	})
	runErr := g.Wait()

	evicted := fanout.Clear(broadcast.ReasonShutdown)
	controller.Teardown()
	_ = jrnl.Publish(context.Background(), journal.Entry{Kind: "shutdown", OccurredAt: time.Now().UTC()})
	logger.Info("stopped", "evicted", evicted)

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		jrnl.Close()
		os.Exit(exitStartup)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
