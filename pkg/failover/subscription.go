package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/StrathCole/oracle-client/pkg/sources"
)

// Callback receives subscription updates: a quote, or the error of a failed
// lookup.
type Callback func(q sources.Quote, err error)

type subscription struct {
	id       string
	symbol   string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

// Subscribe delivers the price of symbol to cb immediately and then every
// interval until Unsubscribe or Stop. Cached quotes are served while they
// are valid. cb runs on the subscription's goroutine and must not call
// Unsubscribe for its own id.
func (o *Orchestrator) Subscribe(symbol string, cb Callback, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.stopped {
		return "", ErrStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       uuid.NewString(),
		symbol:   sources.NormalizeSymbol(symbol),
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	o.subsMu.Lock()
	o.subs[sub.id] = sub
	o.subsMu.Unlock()

	go o.runSubscription(ctx, sub, cb)

	o.logger.Debug("Subscription added", "id", sub.id, "symbol", sub.symbol, "interval", interval)
	return sub.id, nil
}

// Unsubscribe cancels a subscription and waits for its goroutine to exit.
func (o *Orchestrator) Unsubscribe(id string) error {
	o.subsMu.Lock()
	sub, ok := o.subs[id]
	delete(o.subs, id)
	o.subsMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	sub.stop()
	o.logger.Debug("Subscription removed", "id", id, "symbol", sub.symbol)
	return nil
}

func (o *Orchestrator) runSubscription(ctx context.Context, sub *subscription, cb Callback) {
	defer close(sub.done)

	deliver := func() {
		q, err := o.Quote(ctx, sub.symbol, 0)
		if ctx.Err() != nil {
			return
		}
		cb(q, err)
	}

	deliver()

	ticker := time.NewTicker(sub.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deliver()
		}
	}
}
