// Command quant runs the signal generation and order execution engine.
//
// Usage:
//
//	quant run [--config FILE] [--mode generator|executor|both] [--workers N]
//	          [--scan-interval SEC] [--account-id ID]
//	quant queue [--config FILE] [--account-id ID] stats
//	quant queue [--config FILE] [--account-id ID] retry-failed
//	quant queue [--config FILE] [--account-id ID] clear {pending|processing|failed}
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/executor"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/generator"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/notify"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/quote"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/retry"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	switch args[0] {
	case "run":
		return runEngine(args[1:])
	case "queue":
		return runQueueCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quant run|queue [flags]")
	fmt.Fprintln(os.Stderr, "  quant run --mode generator|executor|both")
	fmt.Fprintln(os.Stderr, "  quant queue stats|retry-failed|clear {pending|processing|failed}")
}

func runEngine(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the configuration file")
	mode := fs.String("mode", "both", "generator, executor, or both")
	workers := fs.Int("workers", 0, "override executor worker count")
	scanInterval := fs.Int("scan-interval", 0, "override scan interval in seconds")
	accountID := fs.String("account-id", "", "override broker account id (isolates the queue namespace)")
	_ = fs.Parse(args)

	if *mode != "generator" && *mode != "executor" && *mode != "both" {
		fmt.Fprintf(os.Stderr, "invalid --mode %q\n", *mode)
		return 1
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		return 1
	}
	if *workers > 0 {
		cfg.Executor.Workers = *workers
	}
	if *scanInterval > 0 {
		cfg.Scan.IntervalSec = *scanInterval
	}
	if *accountID != "" {
		cfg.Broker.AccountID = *accountID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("starting engine: mode=%s account=%s paper=%t watchlist=%d symbols",
		*mode, cfg.Broker.AccountID, cfg.IsPaperTrading(), len(cfg.Watchlist))

	apiClient := broker.NewOpenAPIClient(cfg.Broker.APIEndpoint, cfg.Broker.AccessToken, cfg.Broker.AccountID)
	brk := broker.NewCircuitBreakerBroker(apiClient)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()
	if _, err := retry.Do(ctx, logger, retry.DefaultConfig, "redis ping", func(ctx context.Context) (string, error) {
		return rdb.Ping(ctx).Result()
	}); err != nil {
		logger.Printf("connecting to redis at %s: %v", cfg.Queue.RedisAddr, err)
		return 1
	}
	q := queue.NewRedisQueue(rdb, cfg.Queue.Namespace, cfg.Broker.AccountID, cfg.VisibilityTimeout(), cfg.Queue.MaxAttempts, logger)

	db, err := retry.Do(ctx, logger, retry.DefaultConfig, "open storage", func(context.Context) (*gorm.DB, error) {
		return storage.NewDB(cfg.Storage.PostgresDSN)
	})
	if err != nil {
		logger.Printf("opening storage: %v", err)
		return 1
	}
	stops := storage.NewPostgresStopStore(db)
	orders := storage.NewPostgresOrderStore(db)

	sink := notify.NewSink(cfg.Notifications.URL, logger)
	defer sink.Close()

	grp, grpCtx := errgroup.WithContext(ctx)

	if *mode == "generator" || *mode == "both" {
		data := quote.NewClient(brk, logger)
		gen := generator.New(cfg, data, brk, q, stops, orders, logger)
		grp.Go(func() error { return gen.Run(grpCtx) })
	}
	if *mode == "executor" || *mode == "both" {
		exec := executor.New(cfg, brk, q, stops, orders, sink, logger)
		exec.Reconcile(grpCtx)
		grp.Go(func() error { return exec.Run(grpCtx) })
	}

	if err := grp.Wait(); err != nil && ctx.Err() == nil {
		logger.Printf("engine stopped with error: %v", err)
		return 1
	}
	logger.Printf("engine stopped")
	return 0
}
