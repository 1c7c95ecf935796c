package credit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const EventBalanceUpdated = "balance_updated"

// ErrPublisherFull is returned when the event queue has no room.
var ErrPublisherFull = errors.New("balance event queue full")

// UserNotifier pushes a JSON payload to one user's live connections.
type UserNotifier interface {
	SendToUserJSON(ctx context.Context, userID uuid.UUID, payload any) error
}

type notifierPublisher struct {
	notifier UserNotifier
}

// NewNotifierPublisher adapts a realtime notifier to EventPublisher.
func NewNotifierPublisher(n UserNotifier) EventPublisher {
	return &notifierPublisher{notifier: n}
}

func (p *notifierPublisher) PublishBalance(ctx context.Context, event BalanceEvent) error {
	return p.notifier.SendToUserJSON(ctx, event.UserID, map[string]interface{}{
		"type": EventBalanceUpdated,
		"data": event,
	})
}

// AsyncPublisher hands events to a single delivery goroutine so a slow sink
// never holds up a ledger call. Events are delivered in enqueue order and
// dropped when the queue is full or the publisher is stopped.
type AsyncPublisher struct {
	next    EventPublisher
	timeout time.Duration
	queue   chan BalanceEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewAsyncPublisher wraps next. timeout bounds each delivery.
func NewAsyncPublisher(next EventPublisher, buffer int, timeout time.Duration) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &AsyncPublisher{
		next:    next,
		timeout: timeout,
		queue:   make(chan BalanceEvent, buffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins delivery
func (p *AsyncPublisher) Start() {
	go p.loop()
}

// Stop delivers what is already queued and waits for the loop to exit.
func (p *AsyncPublisher) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// PublishBalance enqueues the event without blocking.
func (p *AsyncPublisher) PublishBalance(_ context.Context, event BalanceEvent) error {
	select {
	case <-p.stopCh:
		return ErrPublisherFull
	default:
	}

	select {
	case p.queue <- event:
		return nil
	default:
		return ErrPublisherFull
	}
}

func (p *AsyncPublisher) loop() {
	defer close(p.doneCh)

	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.stopCh:
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncPublisher) deliver(event BalanceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.next.PublishBalance(ctx, event); err != nil {
		log.Warn().Err(err).
			Str("user_id", event.UserID.String()).
			Msg("Balance event delivery failed")
	}
}
