package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// WorkerFactory builds worker id together with the resources it owns. The
// closer may be nil.
type WorkerFactory func(id int) (*Worker, io.Closer, error)

// Pool runs a fixed number of workers.
type Pool struct {
	size    int
	factory WorkerFactory
	log     logr.Logger
}

func NewPool(size int, factory WorkerFactory, log logr.Logger) *Pool {
	return &Pool{size: size, factory: factory, log: log.WithName("pool")}
}

// Run starts every worker and blocks until all of them have returned after
// ctx is cancelled. Worker resources are closed on the way out.
func (p *Pool) Run(ctx context.Context) error {
	workers := make([]*Worker, 0, p.size)
	closers := make([]io.Closer, 0, p.size)
	for i := 0; i < p.size; i++ {
		w, c, err := p.factory(i)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to build worker %d: %w", i, err), closeAll(closers))
		}
		workers = append(workers, w)
		if c != nil {
			closers = append(closers, c)
		}
	}

	p.log.Info("WORKER_POOL_STARTED", "workers", p.size)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	p.log.Info("WORKER_POOL_STOPPED")

	return closeAll(closers)
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
