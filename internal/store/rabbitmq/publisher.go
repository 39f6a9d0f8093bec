package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/suPer8Hu/acontext-api/internal/metrics"
)

var (
	ErrClosed       = errors.New("rabbitmq: publisher closed")
	ErrNotConnected = errors.New("rabbitmq: publisher not connected")
)

// State is the publisher lifecycle. Transitions:
//
//	connected -> reconnecting   (broker closed the connection or channel)
//	reconnecting -> connected   (new connection and channel swapped in)
//	any -> closed               (Close; terminal)
type State int32

const (
	StateConnected State = iota
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

type Options struct {
	Queue    string
	Prefetch int

	// BackoffBase is the first reconnect delay; it doubles up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	PublishTimeout time.Duration

	Dialer     Dialer
	Propagator propagation.TextMapPropagator
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * o.BackoffBase
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = Dial
	}
	if o.Propagator == nil {
		o.Propagator = otel.GetTextMapPropagator()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Publisher owns one connection and channel shared by all requests.
// Publish takes the read lock; state transitions take the write lock.
type Publisher struct {
	url  string
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	state State
	conn  Connection
	ch    Channel

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher connects once and starts the background watcher. The first
// connection failure is returned to the caller.
func NewPublisher(url string, opts Options) (*Publisher, error) {
	opts.setDefaults()
	p := &Publisher{
		url:  url,
		opts: opts,
		log:  opts.Logger.With("component", "publisher", "queue", opts.Queue),
		done: make(chan struct{}),
	}

	conn, ch, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.conn, p.ch, p.state = conn, ch, StateConnected
	p.opts.Metrics.PublisherState(int(StateConnected))

	p.wg.Add(1)
	go p.watch(conn, ch)
	return p, nil
}

func (p *Publisher) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Publish sends ev to the main queue. It never queues locally or retries:
// during an outage it fails immediately and the caller decides.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	p.opts.Propagator.Inject(ctx, HeaderCarrier(headers))

	err = p.publish(ctx, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	p.opts.Metrics.Published(err)
	return err
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state == StateClosed {
		return ErrClosed
	}
	if p.ch == nil {
		return ErrNotConnected
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(cctx, "", p.opts.Queue, false, false, msg)
}

// Close is terminal. The watcher exits instead of reconnecting, and Close
// waits for it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	close(p.done)
	conn, ch := p.conn, p.ch
	p.conn, p.ch = nil, nil
	p.mu.Unlock()
	p.opts.Metrics.PublisherState(int(StateClosed))

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// connect dials and prepares a channel: prefetch plus queue topology.
func (p *Publisher) connect() (Connection, Channel, error) {
	conn, err := p.opts.Dialer(p.url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.Qos(p.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	if err := declareTopology(ch, p.opts.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (p *Publisher) watch(conn Connection, ch Channel) {
	defer p.wg.Done()
	for {
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-p.done:
			return
		case err := <-connClosed:
			p.log.Warn("connection closed", "err", err)
		case err := <-chClosed:
			p.log.Warn("channel closed", "err", err)
			// rebuild both; a connection without a usable channel is useless here
			_ = conn.Close()
		}

		if !p.beginReconnect() {
			return
		}
		var ok bool
		conn, ch, ok = p.reconnect()
		if !ok {
			return
		}
	}
}

// beginReconnect moves connected -> reconnecting and drops the dead
// channel so no publish can use it. It reports false once closed.
func (p *Publisher) beginReconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return false
	}
	p.state = StateReconnecting
	p.conn, p.ch = nil, nil
	p.opts.Metrics.PublisherState(int(StateReconnecting))
	return true
}

// reconnect retries with exponential backoff until it succeeds or the
// publisher is closed.
func (p *Publisher) reconnect() (Connection, Channel, bool) {
	delay := p.opts.BackoffBase
	for attempt := 1; ; attempt++ {
		select {
		case <-p.done:
			return nil, nil, false
		default:
		}

		conn, ch, err := p.connect()
		if err == nil {
			p.mu.Lock()
			if p.state == StateClosed {
				p.mu.Unlock()
				_ = ch.Close()
				_ = conn.Close()
				return nil, nil, false
			}
			p.conn, p.ch, p.state = conn, ch, StateConnected
			p.mu.Unlock()

			p.opts.Metrics.Reconnected()
			p.opts.Metrics.PublisherState(int(StateConnected))
			p.log.Info("reconnected", "attempts", attempt)
			return conn, ch, true
		}

		p.log.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-p.done:
			timer.Stop()
			return nil, nil, false
		case <-timer.C:
		}
		delay *= 2
		if delay > p.opts.BackoffMax {
			delay = p.opts.BackoffMax
		}
	}
}
