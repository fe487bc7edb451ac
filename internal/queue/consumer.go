package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultConcurrency bounds simultaneous job executions on the consuming
// side. This is the primary backpressure against unbounded parallel device
// acquisition.
const DefaultConcurrency = 5

// HandlerFunc executes one delivery attempt.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Consumer claims due jobs from the store and runs them through a handler
// with bounded concurrency.
type Consumer struct {
	store       *Store
	handler     HandlerFunc
	concurrency int
	poll        time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewConsumer(store *Store, handler HandlerFunc, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Consumer{
		store:       store,
		handler:     handler,
		concurrency: concurrency,
		poll:        500 * time.Millisecond,
		stopCh:      make(chan struct{}),
	}
}

// Run claims and executes jobs until ctx is canceled or Stop is called.
func (c *Consumer) Run(ctx context.Context) {
	sem := make(chan struct{}, c.concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		d, err := c.store.ClaimNext(time.Now())
		if err != nil {
			log.Printf("queue: claim error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			time.Sleep(c.poll)
			continue
		}

		sem <- struct{}{}
		c.wg.Add(1)
		go func(d *Delivery) {
			defer func() {
				<-sem
				c.wg.Done()
			}()
			c.runOne(ctx, d)
		}(d)
	}
}

// Stop halts claiming and waits for in-flight jobs.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Consumer) runOne(ctx context.Context, d *Delivery) {
	if err := c.handler(ctx, d); err != nil {
		log.Printf("queue: job %s attempt %d failed: %v", d.Job.ID, d.Attempt, err)
		if ferr := c.store.Fail(d.Job.ID, err.Error()); ferr != nil {
			log.Printf("queue: recording failure for %s: %v", d.Job.ID, ferr)
		}
		return
	}
	if err := c.store.Complete(d.Job.ID); err != nil && err != ErrNotFound {
		log.Printf("queue: recording completion for %s: %v", d.Job.ID, err)
	}
}
