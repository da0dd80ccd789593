// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/azure/fetchcache/internal/config"
	fcontext "github.com/azure/fetchcache/internal/context"
	"github.com/azure/fetchcache/internal/dispatch"
	"github.com/azure/fetchcache/internal/fetch"
	"github.com/azure/fetchcache/internal/files/quota"
	"github.com/azure/fetchcache/internal/files/store"
	"github.com/azure/fetchcache/internal/handlers"
	"github.com/azure/fetchcache/internal/httpcache"
	"github.com/azure/fetchcache/internal/math"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/azure/fetchcache/internal/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	ll, err := zerolog.ParseLevel(args.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %s\n", args.LogLevel)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(ll)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(os.Stdout).With().Timestamp().Str("self", fcontext.NodeName).Str("version", version).Logger()
	ctx := l.WithContext(context.Background())

	err = run(ctx, args)
	if err != nil {
		l.Error().Err(err).Msg("fetchcache error")
		os.Exit(1)
	}

	l.Info().Msg("fetchcache exit")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	if args.Version {
		zerolog.Ctx(ctx).Info().Msg("version") // version field is already added to the logger
		return nil
	}

	cfg, err := config.Load(ctx, afero.NewOsFs(), args.ConfigPath)
	if err != nil {
		return err
	}
	applyConfig(cfg)

	switch {
	case args.Serve != nil:
		return serveCommand(ctx, cfg, args.Serve)
	case args.Prefetch != nil:
		return prefetchCommand(ctx, cfg, args.Prefetch)
	case args.Reap != nil:
		return reapCommand(ctx, cfg, args.Reap)
	case args.Config != nil:
		return config.Write(ctx, afero.NewOsFs(), args.Config.Out, cfg)
	default:
		return fmt.Errorf("unknown subcommand")
	}
}

// applyConfig sets the package defaults from cfg.
func applyConfig(cfg *config.Config) {
	httpcache.Path = cfg.HTTPCache.Dir
	httpcache.MemoryMaxBytes = cfg.HTTPCache.MemoryBytes
	httpcache.MemoryMaxCount = cfg.HTTPCache.MemoryCount
	httpcache.DiskUpperLimit = cfg.HTTPCache.DiskUpper
	httpcache.DiskLowerLimit = cfg.HTTPCache.DiskLower

	resource.DefaultLimitBytes = cfg.Resources.LimitBytes
	resource.DefaultLimitCount = cfg.Resources.LimitCount

	store.Path = cfg.Thumbnails.Dir
	store.SmallSize = cfg.Thumbnails.SmallSize
	store.JPEGQuality = cfg.Thumbnails.Quality

	if cfg.Metrics.ReportPath != "" {
		metrics.Path = cfg.Metrics.ReportPath
	}
}

// engine is the http cache, fetcher and image coordinator stack.
type engine struct {
	transport *httpcache.Transport
	resources *resource.Coordinator[string, image.Image]
}

func newEngine(ctx context.Context, cfg *config.Config, d dispatch.Dispatcher) (*engine, error) {
	t, err := httpcache.New(ctx, http.DefaultTransport, httpcache.Options{})
	if err != nil {
		return nil, err
	}

	executor := fetch.New(ctx, fetch.Options{
		Client: &http.Client{Transport: t},
		Width:  cfg.Resources.Width,
		Height: cfg.Resources.Height,
	})

	resources := resource.New[string, image.Image](ctx, executor, resource.Options[image.Image]{
		Name:       "images",
		TinyBytes:  cfg.Resources.TinyBytes,
		Size:       fetch.Size,
		Dispatcher: d,
	})

	return &engine{transport: t, resources: resources}, nil
}

// Close aborts outstanding fetches and waits for pending cache writes.
func (e *engine) Close() {
	e.resources.Close()
	e.transport.Flush()
	e.transport.Close()
}

// invalidator drops cached resources whose file changed in the thumbnail store.
type invalidator struct {
	resources interface{ Invalidate(key string) }
}

var _ store.Observer = &invalidator{}

// OnResourceChanged invalidates the resource keyed by the changed file's path.
func (i *invalidator) OnResourceChanged(_ int64, _ store.Variant, path string) {
	i.resources.Invalidate(path)
}

func serveCommand(ctx context.Context, cfg *config.Config, args *ServeCmd) (err error) {
	l := zerolog.Ctx(ctx)

	addr := cfg.Server.Addr
	if args.Addr != "" {
		addr = args.Addr
	}

	if cfg.Metrics.ReportPath != "" {
		ctx = metrics.WithMetrics(ctx, metrics.NewReportingMemoryMetrics(ctx))
	} else {
		ctx, err = metrics.WithContext(ctx, cfg.Metrics.Name, cfg.Metrics.Prefix)
		if err != nil {
			return err
		}
	}

	loop := dispatch.NewLoop()

	e, err := newEngine(ctx, cfg, loop)
	if err != nil {
		return err
	}
	defer e.Close()

	thumbnails, err := store.NewBlobStore(ctx, store.Options{Dispatcher: loop})
	if err != nil {
		return err
	}
	defer thumbnails.Close()

	inv := &invalidator{resources: e.resources}
	thumbnails.AddObserver(inv)
	defer thumbnails.RemoveObserver(inv)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop.Run(ctx)
		return nil
	})

	g.Go(func() error {
		changes := thumbnails.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case k := <-changes:
				l.Debug().Int64("entity", k.EntityID).Str("variant", k.Variant.String()).Msg("thumbnail changed")
			}
		}
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.Handler(ctx, e.resources, thumbnails, prometheus.DefaultGatherer),
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	l.Info().Str("http", addr).Msg("server start")
	return g.Wait()
}

func prefetchCommand(ctx context.Context, cfg *config.Config, args *PrefetchCmd) error {
	l := zerolog.Ctx(ctx)
	if len(args.Keys) == 0 {
		return nil
	}

	e, err := newEngine(ctx, cfg, dispatch.Inline)
	if err != nil {
		return err
	}
	defer e.Close()

	results := []<-chan outcome{}
	for _, key := range args.Keys {
		start := time.Now()
		f := resource.NewFuture[image.Image]()
		e.resources.Attach(key, f, false)

		c := make(chan outcome, 1)
		go func(key string) {
			defer close(c)
			_, ok, err := f.Wait(ctx)
			if err == nil && !ok {
				l.Warn().Str("key", key).Msg("prefetch failed")
			}
			c <- outcome{ok: ok, ms: float64(time.Since(start).Milliseconds())}
		}(key)
		results = append(results, c)
	}

	bar := progressbar.Default(int64(len(args.Keys)), "prefetching")
	failed := 0
	latencies := []float64{}
	for o := range fcontext.Merge(results...) {
		if !o.ok {
			failed++
		}
		latencies = append(latencies, o.ms)
		_ = bar.Add(1)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p := math.Percentiles(latencies, 0.5, 0.9, 1)
	l.Info().Int("count", len(args.Keys)).Int("failed", failed).
		Float64("p50ms", p[0]).Float64("p90ms", p[1]).Float64("maxms", p[2]).Msg("prefetch complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d resources failed to fetch", failed, len(args.Keys))
	}
	return nil
}

// outcome is the result of prefetching one key.
type outcome struct {
	ok bool
	ms float64
}

func reapCommand(ctx context.Context, cfg *config.Config, args *ReapCmd) error {
	dir, upper, lower := args.Dir, args.Upper, args.Lower
	if dir == "" {
		dir = cfg.HTTPCache.Dir
	}
	if upper == 0 {
		upper = cfg.HTTPCache.DiskUpper
	}
	if lower == 0 {
		lower = cfg.HTTPCache.DiskLower
	}

	r, err := quota.New(ctx, afero.NewOsFs(), dir, upper, lower, quota.All)
	if err != nil {
		return err
	}

	r.RunIfNeeded()
	zerolog.Ctx(ctx).Info().Str("dir", dir).Int("deleted", r.Removed()).Int("remaining", r.Tracked()).Msg("reap complete")
	return nil
}
