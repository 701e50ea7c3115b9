// Package scraper handles fetching and parsing Avito search result pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"avito-notifier/pkg/notifier"
)

const avitoBase = "https://www.avito.ru"

// FetchError indicates the search page could not be fetched or parsed at all.
// Per-entry parse problems are not FetchErrors; those entries are skipped.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError checks whether an error is a page-level fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Scraper fetches and parses Avito search pages. The rate limiter enforces
// minimum spacing between real HTTP requests regardless of how often the
// scheduler calls Fetch.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	// Retry tuning, overridable in tests.
	attempts uint
	delay    time.Duration
}

// New creates a scraper. spacing is the courtesy interval between fetches.
func New(client *http.Client, spacing time.Duration, logger *slog.Logger) *Scraper {
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	return &Scraper{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}
}

// Fetch downloads the search page and extracts its listings. Unparseable
// entries are dropped with a warning; only page-level failures return an error.
func (s *Scraper) Fetch(ctx context.Context, searchURL string) ([]*notifier.Listing, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: searchURL, Err: err}
	}

	var listings []*notifier.Listing

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", searchURL,
				"purpose", "fetch_search_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			setBrowserHeaders(req)

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", searchURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", searchURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			parsed, skipped, err := s.parseListings(resp.Body)
			if err != nil {
				s.logger.Error("Failed to parse search page", "error", err)
				return retry.Unrecoverable(err)
			}

			s.logger.Info("Search page parsed",
				"url", searchURL,
				"listings", len(parsed),
				"skipped_entries", skipped)

			listings = parsed
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, &FetchError{URL: searchURL, Err: err}
	}

	return listings, nil
}

func setBrowserHeaders(req *http.Request) {
	// Avito blocks obvious bots; present as a regular browser.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3.1 Safari/605.1.15")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")
}

// parseListings extracts listing records from a search results page.
// Returns the listings, the number of skipped entries, and a page-level error
// when the page contains no recognizable items at all.
func (s *Scraper) parseListings(body io.Reader) ([]*notifier.Listing, int, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, 0, err
	}

	items := doc.Find("div[data-marker='item']")
	if items.Length() == 0 {
		return nil, 0, errors.New("no listing items found on page")
	}

	var listings []*notifier.Listing
	var skipped int

	items.Each(func(_ int, sel *goquery.Selection) {
		listing, ok := s.parseItem(sel)
		if !ok {
			skipped++
			return
		}
		listings = append(listings, listing)
	})

	if len(listings) == 0 {
		return nil, skipped, fmt.Errorf("all %d listing items were unparseable", skipped)
	}

	return listings, skipped, nil
}

func (s *Scraper) parseItem(sel *goquery.Selection) (*notifier.Listing, bool) {
	id, exists := sel.Attr("data-item-id")
	if !exists || id == "" {
		s.logger.Warn("Skipping listing entry without item id")
		return nil, false
	}

	title := strings.TrimSpace(sel.Find("a[data-marker='item-title']").First().Text())

	priceStr, _ := sel.Find("p[data-marker='item-price'] meta[itemprop='price']").First().Attr("content")
	price, err := strconv.Atoi(priceStr)
	if err != nil || price <= 0 {
		s.logger.Warn("Skipping listing entry without a parseable price", "listing_id", id, "raw_price", priceStr)
		return nil, false
	}

	rooms, squares, apartFloor, houseFloor := parseTitle(title)
	if rooms == notifier.RoomsUnknown {
		s.logger.Warn("Skipping listing entry without a parseable room count", "listing_id", id, "title", title)
		return nil, false
	}

	link, _ := sel.Find("a").First().Attr("href")
	link = absoluteURL(link)

	deposit, commission := parseItemParams(strings.TrimSpace(sel.Find("p[data-marker='item-specific-params']").First().Text()))

	metro, minutes := parseLocation(sel)

	var postedAt time.Time
	if dt, ok := sel.Find("time").First().Attr("datetime"); ok {
		if t, perr := time.Parse(time.RFC3339, dt); perr == nil {
			postedAt = t
		}
	}

	return &notifier.Listing{
		ID:             id,
		Title:          title,
		URL:            link,
		Price:          price,
		Rooms:          rooms,
		PostedAt:       postedAt,
		Squares:        squares,
		ApartFloor:     apartFloor,
		HouseFloor:     houseFloor,
		Deposit:        deposit,
		Commission:     commission,
		Metro:          metro,
		MinutesToMetro: minutes,
	}, true
}

func absoluteURL(link string) string {
	if link == "" || strings.HasPrefix(link, "http") {
		return link
	}
	base, _ := url.Parse(avitoBase)
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

var (
	squaresRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*м²`)
	roomsRe   = regexp.MustCompile(`(\d+)[-\s]*к`)
	floorsRe  = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	numberRe  = regexp.MustCompile(`(\d[\d\s]*)`)
)

// parseTitle extracts room count, floor area and floors from an ad title like
// "2-к. квартира, 54 м², 7/12 эт.". Rooms is RoomsUnknown when the title
// states neither a room count nor a studio.
func parseTitle(title string) (rooms int, squares float64, apartFloor, houseFloor int) {
	rooms = notifier.RoomsUnknown
	title = strings.ReplaceAll(title, " ", " ")

	if m := squaresRe.FindStringSubmatch(title); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
			squares = v
		}
	}

	if strings.Contains(strings.ToLower(title), "студ") {
		rooms = notifier.RoomsStudio
	} else if m := roomsRe.FindStringSubmatch(title); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			rooms = v
		}
	}

	if m := floorsRe.FindStringSubmatch(title); m != nil {
		apartFloor, _ = strconv.Atoi(m[1])
		houseFloor, _ = strconv.Atoi(m[2])
	}

	return rooms, squares, apartFloor, houseFloor
}

// parseItemParams extracts deposit and commission from the "item specific
// params" line, e.g. "Залог 30 000 ₽ · Без комиссии".
func parseItemParams(params string) (deposit, commission int) {
	for _, part := range strings.Split(params, " · ") {
		part = strings.ReplaceAll(strings.TrimSpace(part), " ", " ")
		lower := strings.ToLower(part)

		switch {
		case strings.Contains(lower, "без залога"):
			deposit = 0
		case strings.Contains(lower, "залог"):
			deposit = firstNumber(part)
		}

		switch {
		case strings.Contains(lower, "без комиссии"):
			commission = 0
		case strings.Contains(lower, "комис"):
			commission = firstNumber(part)
		}
	}
	return deposit, commission
}

func firstNumber(s string) int {
	m := numberRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], " ", ""))
	if err != nil {
		return 0
	}
	return n
}

// parseLocation extracts the metro station and walking minutes from the
// item location block. Both are optional.
func parseLocation(sel *goquery.Selection) (metro string, minutes int) {
	paras := sel.Find("div[data-marker='item-location'] p")
	if paras.Length() < 2 {
		return "", 0
	}

	spans := paras.Eq(1).Find("span")
	if spans.Length() > 1 {
		metro = strings.TrimSpace(spans.Eq(1).Text())
	}
	if spans.Length() > 2 {
		minutes = maxNumber(spans.Eq(2).Text())
	}
	return metro, minutes
}

// maxNumber returns the largest integer in a string like "10–15 мин.".
// Ranges report their upper bound.
func maxNumber(s string) int {
	s = strings.ReplaceAll(s, "–", " ")
	res := 0
	for _, tok := range strings.Fields(s) {
		if v, err := strconv.Atoi(tok); err == nil && v > res {
			res = v
		}
	}
	return res
}
