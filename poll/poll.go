// Package poll runs one monitoring cycle: fetch, dedupe, match, notify.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"avito-notifier/match"
	"avito-notifier/pkg/notifier"
)

// Source interface for fetching listings.
type Source interface {
	Fetch(ctx context.Context, searchURL string) ([]*notifier.Listing, error)
}

// Ledger interface for durable state.
type Ledger interface {
	FilterNew(ctx context.Context, listings []*notifier.Listing) ([]*notifier.Listing, error)
	ActivePreferences(ctx context.Context) ([]*notifier.Preference, error)
	SetActive(ctx context.Context, subscriberID string, active bool) error
}

// Sender interface for delivering matched listings.
type Sender interface {
	Fanout(ctx context.Context, deliveries []notifier.Delivery) []*notifier.DeliveryAttempt
}

// CycleStats summarizes one completed cycle.
type CycleStats struct {
	Fetched     int
	New         int
	Unmatchable int
	Matched     int // deliveries attempted
	Sent        int
	Failed      int
	Blocked     int
	Duration    time.Duration
}

// Monitor drives the fetch→dedupe→match→notify pipeline.
type Monitor struct {
	source    Source
	ledger    Ledger
	sender    Sender
	searchURL string
	logger    *slog.Logger
}

// New creates a poll monitor.
func New(source Source, ledger Ledger, sender Sender, searchURL string, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:    source,
		ledger:    ledger,
		sender:    sender,
		searchURL: searchURL,
		logger:    logger,
	}
}

// RunCycle executes one full cycle. Fetch and ledger failures abort the
// cycle (the scheduler waits for the next interval); per-listing and
// per-subscriber problems are isolated and never abort the rest.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleStats, error) {
	start := time.Now()
	stats := &CycleStats{}

	listings, err := m.source.Fetch(ctx, m.searchURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	stats.Fetched = len(listings)

	fresh, err := m.ledger.FilterNew(ctx, listings)
	if err != nil {
		return nil, fmt.Errorf("filter new listings: %w", err)
	}
	stats.New = len(fresh)

	if len(fresh) == 0 {
		stats.Duration = time.Since(start)
		m.logger.Info("Cycle completed, nothing new", "fetched", stats.Fetched)
		return stats, nil
	}

	prefs, err := m.ledger.ActivePreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active preferences: %w", err)
	}

	var deliveries []notifier.Delivery
	for _, listing := range fresh {
		if !match.Matchable(listing) {
			stats.Unmatchable++
			m.logger.Warn("Listing excluded from matching, incomplete data",
				"listing_id", listing.ID,
				"price", listing.Price,
				"rooms", listing.Rooms)
			continue
		}
		for _, subscriberID := range match.Match(listing, prefs) {
			deliveries = append(deliveries, notifier.Delivery{
				SubscriberID: subscriberID,
				Listing:      listing,
			})
		}
	}
	stats.Matched = len(deliveries)

	attempts := m.sender.Fanout(ctx, deliveries)

	blocked := make(map[string]struct{})
	for _, a := range attempts {
		switch a.Outcome {
		case notifier.OutcomeSent:
			stats.Sent++
		case notifier.OutcomeBlocked:
			stats.Blocked++
			blocked[a.SubscriberID] = struct{}{}
		default:
			stats.Failed++
		}
	}

	// Unreachable subscribers are deactivated so the next cycle stops
	// attempting delivery to them.
	for subscriberID := range blocked {
		if err := m.ledger.SetActive(ctx, subscriberID, false); err != nil {
			m.logger.Warn("Failed to deactivate blocked subscriber",
				"subscriber_id", subscriberID,
				"error", err)
		} else {
			m.logger.Info("Blocked subscriber deactivated", "subscriber_id", subscriberID)
		}
	}

	stats.Duration = time.Since(start)
	m.logger.Info("Cycle completed",
		"fetched", stats.Fetched,
		"new", stats.New,
		"unmatchable", stats.Unmatchable,
		"matched", stats.Matched,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"blocked", stats.Blocked,
		"duration_ms", stats.Duration.Milliseconds())

	return stats, nil
}
