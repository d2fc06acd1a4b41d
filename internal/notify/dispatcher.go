package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"dueline/internal/domain"
	"dueline/internal/metrics"
)

type Options struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	// Delay before retry n is min(InitialBackoff * 2^n, MaxBackoff).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Store          Store
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Dispatcher fans events out to channels from a bounded queue.
// Enqueue never blocks; delivery happens on worker goroutines.
type Dispatcher struct {
	channels []Channel
	opts     Options
	log      *zap.Logger
	queue    chan Event

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(channels []Channel, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		channels: channels,
		opts:     opts,
		log:      opts.Logger.Named("dispatcher"),
		queue:    make(chan Event, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	d.log.Info("dispatcher started",
		zap.Strings("channels", names),
		zap.Int("workers", opts.Workers),
		zap.Int("queue_size", opts.QueueSize),
		zap.Int("max_retries", opts.MaxRetries))
	return d
}

// Enqueue schedules evt for delivery on every channel. A full queue drops the event.
func (d *Dispatcher) Enqueue(evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.opts.Metrics.Deliveries.WithLabelValues("all", "dropped").Inc()
		return ErrClosed
	}
	select {
	case d.queue <- evt:
		d.opts.Metrics.QueueDepth.Set(float64(len(d.queue)))
		d.log.Debug("event queued", zap.String("key", evt.IdempotencyKey))
		return nil
	default:
		d.opts.Metrics.Deliveries.WithLabelValues("all", "dropped").Inc()
		d.log.Error("dispatch queue is full, dropping event",
			zap.String("key", evt.IdempotencyKey),
			zap.String("work_item_id", evt.WorkItemID),
			zap.Int("queue_size", d.opts.QueueSize))
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, d.opts.QueueSize)
	}
}

// Close stops intake and drains queued events. If ctx ends first, in-flight
// retries are cancelled and Close waits for the workers to return.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.opts.Metrics.QueueDepth.Set(float64(len(d.queue)))
		for _, ch := range d.channels {
			d.deliverSafe(ch, evt)
		}
	}
}

func (d *Dispatcher) deliverSafe(ch Channel, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in channel delivery recovered",
				zap.String("channel", ch.Name()),
				zap.String("key", evt.IdempotencyKey),
				zap.Any("panic", r))
		}
	}()
	d.deliver(ch, evt)
}

func (d *Dispatcher) deliver(ch Channel, evt Event) {
	key := evt.IdempotencyKey
	name := ch.Name()
	log := d.log.With(zap.String("channel", name), zap.String("key", key), zap.String("work_item_id", evt.WorkItemID))
	storeCtx := context.WithoutCancel(d.ctx)

	if d.opts.Store != nil {
		done, err := d.opts.Store.Delivered(storeCtx, key, name)
		if err != nil {
			log.Warn("delivery lookup failed, sending anyway", zap.Error(err))
		} else if done {
			d.opts.Metrics.Deliveries.WithLabelValues(name, "skipped").Inc()
			log.Debug("already delivered, skipping")
			return
		}
	}

	attempts := 0
	var lastErr error
	var result DeliveryResult
	r := retry.New(
		retry.Context(d.ctx),
		retry.Attempts(uint(d.opts.MaxRetries+1)),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return d.backoff(n)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err)
		}),
	)
	err := r.Do(func() error {
		attempts++
		d.opts.Metrics.DeliveryAttempts.WithLabelValues(name).Inc()
		res, err := ch.Deliver(d.ctx, evt, key)
		if err != nil {
			lastErr = err
			log.Debug("delivery attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		result = res
		return nil
	})

	rec := domain.Delivery{
		IdempotencyKey: key,
		Channel:        name,
		WorkItemID:     evt.WorkItemID,
		Level:          evt.Level,
		Attempts:       attempts,
		UpdatedAt:      d.opts.Now(),
	}
	if err == nil {
		rec.Status = domain.DeliveryDelivered
		d.opts.Metrics.Deliveries.WithLabelValues(name, "delivered").Inc()
		log.Info("event delivered", zap.Int("attempts", attempts), zap.String("reference", result.Reference))
	} else {
		if lastErr == nil {
			lastErr = err
		}
		rec.Status = domain.DeliveryExhausted
		rec.LastError = lastErr.Error()
		d.opts.Metrics.Deliveries.WithLabelValues(name, "exhausted").Inc()
		log.Error("delivery exhausted",
			zap.Int("attempts", attempts),
			zap.Bool("permanent", IsPermanent(lastErr)),
			zap.Error(lastErr))
	}
	if d.opts.Store != nil {
		if err := d.opts.Store.Record(storeCtx, rec); err != nil {
			log.Error("record delivery failed", zap.Error(err))
		}
	}
}

func (d *Dispatcher) backoff(n uint) time.Duration {
	if n >= 32 {
		return d.opts.MaxBackoff
	}
	delay := d.opts.InitialBackoff << n
	if delay <= 0 || delay > d.opts.MaxBackoff {
		return d.opts.MaxBackoff
	}
	return delay
}
