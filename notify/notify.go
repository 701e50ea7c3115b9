// Package notify turns matched listings into delivered messages: formatting,
// bounded retry, and the per-subscriber fan-out pool.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"avito-notifier/pkg/notifier"
	"avito-notifier/telegram"
)

// Notifier delivers formatted listing messages through a telegram.Provider.
type Notifier struct {
	provider   telegram.Provider
	logger     *slog.Logger
	maxRetries int // extra attempts after the first
	workers    int // fan-out pool size

	// Backoff tuning, overridable in tests.
	delay    time.Duration
	maxDelay time.Duration
}

// New creates a notifier. maxRetries is the number of additional delivery
// attempts after the first; workers bounds concurrent subscribers in Fanout.
func New(provider telegram.Provider, maxRetries, workers int, logger *slog.Logger) *Notifier {
	if workers < 1 {
		workers = 1
	}
	return &Notifier{
		provider:   provider,
		logger:     logger,
		maxRetries: maxRetries,
		workers:    workers,
		delay:      time.Second,
		maxDelay:   30 * time.Second,
	}
}

// FormatMessage renders the plain-text notification for a listing.
func FormatMessage(l *notifier.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Цена: %d ₽\n", l.Price)
	if l.Rooms == notifier.RoomsStudio {
		b.WriteString("Комнат: студия\n")
	} else {
		fmt.Fprintf(&b, "Комнат: %d\n", l.Rooms)
	}
	b.WriteString(l.Title)
	b.WriteString("\n")
	b.WriteString(l.URL)
	return b.String()
}

// Send delivers one listing to one subscriber, retrying transient failures
// with bounded exponential backoff. A blocked chat short-circuits the retry
// loop and is reported as OutcomeBlocked so the caller can deactivate the
// subscriber.
func (n *Notifier) Send(ctx context.Context, subscriberID string, l *notifier.Listing) *notifier.DeliveryAttempt {
	attempt := &notifier.DeliveryAttempt{
		SubscriberID: subscriberID,
		ListingID:    l.ID,
	}

	text := FormatMessage(l)

	err := retry.Do(
		func() error {
			attempt.Attempts++
			return n.provider.Send(ctx, subscriberID, text)
		},
		retry.Attempts(uint(n.maxRetries)+1),
		retry.Delay(n.delay),
		retry.MaxDelay(n.maxDelay),
		retry.MaxJitter(n.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(count uint, err error) {
			n.logger.Info("Retrying delivery after error",
				"subscriber_id", subscriberID,
				"listing_id", l.ID,
				"attempt", count+1,
				"error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// A blocked chat never recovers on retry.
			return !telegram.IsBlocked(err)
		}),
	)

	switch {
	case err == nil:
		attempt.Outcome = notifier.OutcomeSent
		n.logger.Info("Listing delivered",
			"subscriber_id", subscriberID,
			"listing_id", l.ID,
			"attempts", attempt.Attempts)
	case telegram.IsBlocked(err):
		attempt.Outcome = notifier.OutcomeBlocked
		attempt.Err = err
		n.logger.Warn("Subscriber unreachable, delivery abandoned",
			"subscriber_id", subscriberID,
			"listing_id", l.ID,
			"error", err)
	default:
		attempt.Outcome = notifier.OutcomeFailed
		attempt.Err = err
		n.logger.Warn("Delivery failed after retries",
			"subscriber_id", subscriberID,
			"listing_id", l.ID,
			"attempts", attempt.Attempts,
			"error", err)
	}

	return attempt
}

// Fanout delivers a batch of matched listings. Deliveries are grouped per
// subscriber so each subscriber receives their listings in input (fetch)
// order, while distinct subscribers proceed concurrently through a bounded
// worker pool. One failed subscriber never affects another.
func (n *Notifier) Fanout(ctx context.Context, deliveries []notifier.Delivery) []*notifier.DeliveryAttempt {
	if len(deliveries) == 0 {
		return nil
	}

	perSubscriber := make(map[string][]*notifier.Listing)
	var order []string
	for _, d := range deliveries {
		if _, seen := perSubscriber[d.SubscriberID]; !seen {
			order = append(order, d.SubscriberID)
		}
		perSubscriber[d.SubscriberID] = append(perSubscriber[d.SubscriberID], d.Listing)
	}

	sem := make(chan struct{}, n.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	attempts := make([]*notifier.DeliveryAttempt, 0, len(deliveries))

	for _, subscriberID := range order {
		wg.Add(1)
		go func(subscriberID string, listings []*notifier.Listing) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, l := range listings {
				if ctx.Err() != nil {
					return
				}
				a := n.Send(ctx, subscriberID, l)
				mu.Lock()
				attempts = append(attempts, a)
				mu.Unlock()
			}
		}(subscriberID, perSubscriber[subscriberID])
	}

	wg.Wait()
	return attempts
}
