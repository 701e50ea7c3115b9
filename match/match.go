// Package match evaluates listings against subscriber filters.
// Pure functions only; callers own logging and persistence.
package match

import "avito-notifier/pkg/notifier"

// Matchable reports whether a listing carries enough data to be matched at
// all. Listings with an unknown room count or a non-positive price are
// excluded from every subscriber rather than risk a false match.
func Matchable(l *notifier.Listing) bool {
	return l.Price > 0 && l.Rooms != notifier.RoomsUnknown
}

// Match returns the ids of every subscriber whose active preference accepts
// the listing: price within [MinPrice, MaxPrice] and room count in the
// allowed set. The studio sentinel is an ordinary set member, never coerced.
func Match(l *notifier.Listing, prefs []*notifier.Preference) []string {
	if !Matchable(l) {
		return nil
	}

	var ids []string
	for _, p := range prefs {
		if !p.Active {
			continue
		}
		if l.Price < p.MinPrice || l.Price > p.MaxPrice {
			continue
		}
		if !p.AllowsRooms(l.Rooms) {
			continue
		}
		ids = append(ids, p.SubscriberID)
	}
	return ids
}
