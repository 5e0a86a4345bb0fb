package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"rinha-payment-pipeline/internal/cache"
	"rinha-payment-pipeline/internal/config"
	"rinha-payment-pipeline/internal/gateway"
	"rinha-payment-pipeline/internal/handler"
	"rinha-payment-pipeline/internal/lock"
	"rinha-payment-pipeline/internal/logging"
	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/queue"
	"rinha-payment-pipeline/internal/repository"
	"rinha-payment-pipeline/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

// runtime holds what every command shares: config, logger, the main Redis
// connection and the ledger.
type runtime struct {
	cfg    *config.Config
	log    logr.Logger
	redis  *redis.Client
	db     *sql.DB
	ledger repository.PaymentRepository
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, nil
}

// newRuntime connects to the stores. Failing to reach them is fatal.
func newRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}
	metrics.Register()

	log.Info("CONFIG_LOADED",
		"redis", config.MaskURL(cfg.RedisURL),
		"ledger", cfg.LedgerBackend,
		"default", config.MaskURL(cfg.DefaultProcessorURL),
		"fallback", config.MaskURL(cfg.FallbackProcessorURL),
		"workers", cfg.Workers,
	)

	rt := &runtime{cfg: cfg, log: log}
	rt.redis, err = cache.NewRedisClient(ctx, cfg.RedisURL, 0)
	if err != nil {
		return nil, err
	}

	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		rt.db, err = repository.InitDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, multierr.Append(err, rt.redis.Close())
		}
		rt.ledger = repository.NewPostgreSQLPaymentRepository(rt.db)
		log.Info("LEDGER_READY", "backend", "postgres", "database", config.MaskURL(cfg.DatabaseURL))
	default:
		rt.ledger = repository.NewRedisPaymentRepository(rt.redis)
		log.Info("LEDGER_READY", "backend", "redis")
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	err := rt.redis.Close()
	if rt.db != nil {
		err = multierr.Append(err, rt.db.Close())
	}
	return err
}

func (rt *runtime) processorClient(timeout time.Duration) *payment.Client {
	return payment.NewClient(payment.ClientOptions{
		DefaultURL:  rt.cfg.DefaultProcessorURL,
		FallbackURL: rt.cfg.FallbackProcessorURL,
		Token:       rt.cfg.ProcessorToken,
		Timeout:     timeout,
	})
}

func (rt *runtime) breaker() *gateway.Breaker {
	return gateway.NewBreaker(gateway.BreakerConfig{
		FailureThreshold: rt.cfg.FailureThreshold,
		Cooldown:         rt.cfg.Cooldown,
	}, rt.log)
}

func (rt *runtime) prober(breaker *gateway.Breaker) *gateway.Prober {
	host, _ := os.Hostname()
	return gateway.NewProber(
		rt.processorClient(rt.cfg.ProbeTimeout),
		cache.NewHealthCache(rt.redis, rt.cfg.HealthTTL),
		breaker,
		gateway.ProberConfig{
			Interval: rt.cfg.ProbeInterval,
			Timeout:  rt.cfg.ProbeTimeout,
			Owner:    host + "/" + uuid.NewString(),
		},
		rt.log,
	)
}

// pool builds the worker pool. Each worker gets its own Redis connection and
// processor client; the breaker is shared.
func (rt *runtime) pool(ctx context.Context, breaker *gateway.Breaker) *usecase.Pool {
	factory := func(id int) (*usecase.Worker, io.Closer, error) {
		client, err := cache.NewRedisClient(ctx, rt.cfg.RedisURL, 2)
		if err != nil {
			return nil, nil, err
		}
		q := queue.New(client)

		ledger := rt.ledger
		if rt.cfg.LedgerBackend == config.LedgerRedis {
			ledger = repository.NewRedisPaymentRepository(client)
		}

		w := usecase.NewWorker(usecase.WorkerOptions{
			ID:         id,
			Queue:      q,
			Client:     rt.processorClient(rt.cfg.HTTPTimeout),
			Router:     breaker,
			Ledger:     ledger,
			Locker:     lock.New(client, rt.cfg.LockTTL),
			Retry:      usecase.NewRetryPolicy(q, rt.cfg.MaxRetries, rt.cfg.RetryDelay, rt.log),
			PopTimeout: rt.cfg.PopTimeout,
		}, rt.log)
		return w, client, nil
	}
	return usecase.NewPool(rt.cfg.Workers, factory, rt.log)
}

func (rt *runtime) purger(admission *usecase.Admission) *usecase.Purger {
	return usecase.NewPurger(rt.ledger, queue.New(rt.redis), lock.New(rt.redis, rt.cfg.LockTTL), admission, rt.log)
}

// api builds the HTTP front door. The returned closer stops the admission
// cache.
func (rt *runtime) api() (http.Handler, io.Closer) {
	if !rt.cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}

	admission := usecase.NewAdmission(
		rt.ledger,
		lock.New(rt.redis, rt.cfg.LockTTL),
		queue.New(rt.redis),
		rt.cfg.ProcessedCacheTTL,
		rt.log,
	)
	h := handler.New(handler.Dependencies{
		Admission: admission,
		Reader:    usecase.NewSummary(rt.ledger),
		Auditor:   usecase.NewAuditor(rt.ledger, rt.processorClient(rt.cfg.HTTPTimeout), rt.log),
		Purger:    rt.purger(admission),
		Health:    cache.NewHealthCache(rt.redis, rt.cfg.HealthTTL),
	}, rt.log)
	return h.Router(), admission
}

// serve runs the HTTP server until ctx is done, then shuts it down.
func (rt *runtime) serve(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + rt.cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info("SERVER_STARTED", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.log.Info("SERVER_SHUTTING_DOWN")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	rt.log.Info("SERVER_EXITED")
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
