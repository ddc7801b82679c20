package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/config"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/queue"
)

const queueOpTimeout = 10 * time.Second

func runQueueCommand(args []string) int {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the configuration file")
	accountID := fs.String("account-id", "", "override broker account id")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: quant queue stats|retry-failed|clear {pending|processing|failed}")
		return 1
	}

	logger := log.New(os.Stderr, "", 0)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		return 1
	}
	if *accountID != "" {
		cfg.Broker.AccountID = *accountID
	}

	ctx, cancel := context.WithTimeout(context.Background(), queueOpTimeout)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Printf("connecting to redis at %s: %v", cfg.Queue.RedisAddr, err)
		return 1
	}
	q := queue.NewRedisQueue(rdb, cfg.Queue.Namespace, cfg.Broker.AccountID, cfg.VisibilityTimeout(), cfg.Queue.MaxAttempts, logger)

	switch rest[0] {
	case "stats":
		stats, err := q.Stats(ctx)
		if err != nil {
			logger.Printf("fetching stats: %v", err)
			return 1
		}
		fmt.Printf("pending:     %d\n", stats.Pending)
		fmt.Printf("processing:  %d\n", stats.Processing)
		fmt.Printf("failed:      %d\n", stats.Failed)
		fmt.Printf("acked total: %d\n", stats.TotalAcked)
		fmt.Printf("success:     %.1f%%\n", stats.SuccessRate()*100)
		return 0

	case "retry-failed":
		n, err := q.RetryFailed(ctx)
		if err != nil {
			logger.Printf("retrying failed signals: %v", err)
			return 1
		}
		fmt.Printf("requeued %d failed signals\n", n)
		return 0

	case "clear":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: quant queue clear {pending|processing|failed}")
			return 1
		}
		bucket := queue.Bucket(rest[1])
		if bucket != queue.BucketPending && bucket != queue.BucketProcessing && bucket != queue.BucketFailed {
			fmt.Fprintf(os.Stderr, "unknown bucket %q\n", rest[1])
			return 1
		}
		if !confirm(fmt.Sprintf("clear the %s bucket for account %s?", bucket, cfg.Broker.AccountID)) {
			fmt.Println("aborted")
			return 1
		}
		n, err := q.Clear(ctx, bucket)
		if err != nil {
			logger.Printf("clearing %s: %v", bucket, err)
			return 1
		}
		fmt.Printf("cleared %d signals from %s\n", n, bucket)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown queue command %q\n", rest[0])
		return 1
	}
}

// confirm asks for an explicit yes on stdin before destructive operations.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
