package webhook

import (
	"context"
)

// workerPool is the in-process fallback delivery path used when no
// RabbitMQ broker is configured: a fixed number of goroutines pull jobs
// off a channel, bounding concurrent deliveries to the pool size. (The
// RabbitMQ consumer instead handles one message at a time.)
type workerPool struct {
	concurrency int
	jobs        chan job
	handle      func(ctx context.Context, j job)
}

func newWorkerPool(concurrency int, handle func(ctx context.Context, j job)) *workerPool {
	return &workerPool{
		concurrency: concurrency,
		jobs:        make(chan job, concurrency*4),
		handle:      handle,
	}
}

func (p *workerPool) start(stop <-chan struct{}) {
	for i := 0; i < p.concurrency; i++ {
		go func() {
			for {
				select {
				case <-stop:
					return
				case j, ok := <-p.jobs:
					if !ok {
						return
					}
					p.handle(context.Background(), j)
				}
			}
		}()
	}
}

func (p *workerPool) submit(j job) {
	p.jobs <- j
}
