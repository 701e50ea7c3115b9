// Package notifier contains the core domain types for the Avito rental notification service.
package notifier

import "time"

// Room count sentinels. Avito encodes studios as a distinct room "count";
// RoomsUnknown marks a listing whose title could not be parsed.
const (
	RoomsStudio  = 0
	RoomsUnknown = -1
)

// Listing represents one rental ad extracted from an Avito search page.
// Listings are immutable once fetched; ID is the source-native data-item-id.
type Listing struct {
	ID       string
	Title    string
	URL      string
	Price    int // rubles per month
	Rooms    int // RoomsStudio for studios, RoomsUnknown when unparseable
	PostedAt time.Time

	// Optional enrichment extracted from the title and item params.
	// Zero values mean "not stated in the ad".
	Squares        float64 // floor area in m²
	ApartFloor     int
	HouseFloor     int
	Deposit        int // rubles
	Commission     int // rubles
	Metro          string
	MinutesToMetro int
}

// Preference holds one subscriber's filter settings.
type Preference struct {
	SubscriberID string
	MinPrice     int
	MaxPrice     int
	RoomCounts   []int // allowed room counts, RoomsStudio included as 0
	Active       bool
}

// AllowsRooms reports whether the preference's room set contains rooms.
func (p *Preference) AllowsRooms(rooms int) bool {
	for _, r := range p.RoomCounts {
		if r == rooms {
			return true
		}
	}
	return false
}

// Outcome classifies the result of a delivery attempt.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeBlocked Outcome = "subscriber_blocked"
)

// Delivery is one pending notification: a matched listing bound for a subscriber.
type Delivery struct {
	SubscriberID string
	Listing      *Listing
}

// DeliveryAttempt records the outcome of delivering one listing to one subscriber.
type DeliveryAttempt struct {
	SubscriberID string
	ListingID    string
	Outcome      Outcome
	Attempts     int
	Err          error
}
