package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/db"
	"github.com/suPer8Hu/ai-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/internal/usage"
)

const retryDelay = 5 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RabbitURL == "" {
		return errors.New("RABBIT_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// user totals live in the database, guest totals in redis
	var counters usage.Router
	if cfg.Persistent() {
		gdb, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		if err := db.Migrate(gdb); err != nil {
			return err
		}
		counters.Users = usage.NewDBCounter(gdb)
	} else {
		slog.Warn("DB_DSN not set, user usage events are acknowledged and dropped")
	}
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return err
		}
		counters.Guests = usage.NewRedisCounter(rds)
	} else {
		slog.Warn("REDIS_ADDR not set, guest usage events are acknowledged and dropped")
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		return err
	}

	// strict concurrency control
	concurrency := min(cfg.WorkerConcurrency, 50)
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	slog.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// retries publish on the shared channel
	var pubMu sync.Mutex

	// queued deliveries are finished after a shutdown signal
	workCtx := context.WithoutCancel(ctx)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := slog.With("worker", workerID)
			for d := range jobs {
				e, err := rabbitmq.DecodeUsage(d.Body)
				if err != nil {
					log.Warn("bad usage message", "err", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := usage.Apply(workCtx, counters, e); err != nil {
					handleFailure(workCtx, log, ch, &pubMu, cfg.RabbitQueue, d, err)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Warn("ack failed", "kind", e.Kind, "id", e.ID, "err", err)
					continue
				}
				log.Debug("usage applied", "kind", e.Kind, "id", e.ID, "tokens", e.Tokens, "took", time.Since(start))
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// handleFailure sends d through the retry queue until it has used its
// attempts, then dead-letters it.
func handleFailure(ctx context.Context, log *slog.Logger, ch *amqp.Channel, mu *sync.Mutex, queue string, d amqp.Delivery, cause error) {
	attempts := rabbitmq.Attempts(d.Headers)
	if attempts+1 >= rabbitmq.MaxAttempts {
		log.Error("usage update failed, dead-lettering", "attempts", attempts+1, "err", cause)
		_ = d.Nack(false, false)
		return
	}

	mu.Lock()
	err := rabbitmq.Retry(ctx, ch, queue, d, retryDelay*time.Duration(attempts+1))
	mu.Unlock()
	if err != nil {
		log.Error("retry publish failed, dead-lettering", "err", err, "cause", cause)
		_ = d.Nack(false, false)
		return
	}
	log.Warn("usage update failed, retrying", "attempt", attempts+1, "err", cause)
	_ = d.Ack(false)
}
