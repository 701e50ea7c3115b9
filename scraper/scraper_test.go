package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"avito-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScraper(client *http.Client) *Scraper {
	s := New(client, 0, testLogger())
	s.attempts = 1
	s.delay = 0
	return s
}

const itemTemplate = `
<div data-marker="item" data-item-id="%ID%">
  <a href="/moskva/kvartiry/ad_%ID%" data-marker="item-title">%TITLE%</a>
  <p data-marker="item-price"><meta itemprop="price" content="%PRICE%"><span>%PRICE% ₽</span></p>
  <p data-marker="item-specific-params">%PARAMS%</p>
  <div data-marker="item-location">
    <p>Москва</p>
    <p><span>м.</span><span>Таганская</span><span>10–15 мин.</span></p>
  </div>
</div>`

func item(id, title, price, params string) string {
	s := strings.ReplaceAll(itemTemplate, "%ID%", id)
	s = strings.ReplaceAll(s, "%TITLE%", title)
	s = strings.ReplaceAll(s, "%PRICE%", price)
	return strings.ReplaceAll(s, "%PARAMS%", params)
}

func page(items ...string) string {
	return "<html><body>" + strings.Join(items, "\n") + "</body></html>"
}

func TestParseListings(t *testing.T) {
	html := page(
		item("111", "2-к. квартира, 54 м², 7/12 эт.", "80000", "Залог 80 000 ₽ · Без комиссии"),
		item("222", "Квартира-студия, 25,5 м², 3/9 эт.", "45000", "Без залога · Комиссия 50%"),
	)

	s := testScraper(nil)
	listings, skipped, err := s.parseListings(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parseListings() error = %v", err)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if len(listings) != 2 {
		t.Fatalf("got %d listings, want 2", len(listings))
	}

	first := listings[0]
	if first.ID != "111" {
		t.Errorf("ID = %q, want 111", first.ID)
	}
	if first.Price != 80000 {
		t.Errorf("Price = %d, want 80000", first.Price)
	}
	if first.Rooms != 2 {
		t.Errorf("Rooms = %d, want 2", first.Rooms)
	}
	if first.Squares != 54 {
		t.Errorf("Squares = %v, want 54", first.Squares)
	}
	if first.ApartFloor != 7 || first.HouseFloor != 12 {
		t.Errorf("floors = %d/%d, want 7/12", first.ApartFloor, first.HouseFloor)
	}
	if first.Deposit != 80000 {
		t.Errorf("Deposit = %d, want 80000", first.Deposit)
	}
	if first.URL != "https://www.avito.ru/moskva/kvartiry/ad_111" {
		t.Errorf("URL = %q", first.URL)
	}
	if first.Metro != "Таганская" {
		t.Errorf("Metro = %q, want Таганская", first.Metro)
	}
	if first.MinutesToMetro != 15 {
		t.Errorf("MinutesToMetro = %d, want 15", first.MinutesToMetro)
	}

	second := listings[1]
	if second.Rooms != notifier.RoomsStudio {
		t.Errorf("studio Rooms = %d, want %d", second.Rooms, notifier.RoomsStudio)
	}
	if second.Squares != 25.5 {
		t.Errorf("studio Squares = %v, want 25.5", second.Squares)
	}
	if second.Deposit != 0 {
		t.Errorf("studio Deposit = %d, want 0", second.Deposit)
	}
}

func TestParseListingsSkipsMalformedEntries(t *testing.T) {
	html := page(
		item("111", "1-к. квартира, 33 м², 2/5 эт.", "60000", ""),
		// No price content attribute at all.
		`<div data-marker="item" data-item-id="333"><a data-marker="item-title">2-к. квартира</a></div>`,
		// Room count not stated in the title.
		item("444", "Койко-место в хостеле", "12000", ""),
	)

	s := testScraper(nil)
	listings, skipped, err := s.parseListings(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parseListings() error = %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("got %d listings, want 1", len(listings))
	}
	if listings[0].ID != "111" {
		t.Errorf("kept listing ID = %q, want 111", listings[0].ID)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}

func TestParseListingsEmptyPage(t *testing.T) {
	s := testScraper(nil)
	_, _, err := s.parseListings(strings.NewReader("<html><body><p>nothing here</p></body></html>"))
	if err == nil {
		t.Fatal("expected error for page without items")
	}
}

func TestParseTitle(t *testing.T) {
	tests := []struct {
		title      string
		rooms      int
		squares    float64
		apartFloor int
		houseFloor int
	}{
		{"2-к. квартира, 54 м², 7/12 эт.", 2, 54, 7, 12},
		{"1-к. квартира, 33,4 м², 2/5 эт.", 1, 33.4, 2, 5},
		{"Квартира-студия, 25 м², 3/9 эт.", notifier.RoomsStudio, 25, 3, 9},
		{"3-к. квартира, 80 м²", 3, 80, 0, 0},
		{"Койко-место в хостеле", notifier.RoomsUnknown, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			rooms, squares, apartFloor, houseFloor := parseTitle(tt.title)
			if rooms != tt.rooms {
				t.Errorf("rooms = %d, want %d", rooms, tt.rooms)
			}
			if squares != tt.squares {
				t.Errorf("squares = %v, want %v", squares, tt.squares)
			}
			if apartFloor != tt.apartFloor || houseFloor != tt.houseFloor {
				t.Errorf("floors = %d/%d, want %d/%d", apartFloor, houseFloor, tt.apartFloor, tt.houseFloor)
			}
		})
	}
}

func TestParseItemParams(t *testing.T) {
	tests := []struct {
		params     string
		deposit    int
		commission int
	}{
		{"Залог 30 000 ₽ · Без комиссии", 30000, 0},
		{"Без залога · Комиссия 45 000 ₽", 0, 45000},
		{"Без залога · Без комиссии", 0, 0},
		{"", 0, 0},
	}

	for _, tt := range tests {
		deposit, commission := parseItemParams(tt.params)
		if deposit != tt.deposit || commission != tt.commission {
			t.Errorf("parseItemParams(%q) = (%d, %d), want (%d, %d)",
				tt.params, deposit, commission, tt.deposit, tt.commission)
		}
	}
}

func TestMaxNumber(t *testing.T) {
	if got := maxNumber("10–15 мин."); got != 15 {
		t.Errorf("maxNumber = %d, want 15", got)
	}
	if got := maxNumber("рядом"); got != 0 {
		t.Errorf("maxNumber = %d, want 0", got)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, page(item("555", "1-к. квартира, 30 м², 1/5 эт.", "50000", "")))
	}))
	defer srv.Close()

	s := testScraper(srv.Client())
	listings, err := s.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(listings) != 1 || listings[0].ID != "555" {
		t.Fatalf("unexpected listings: %+v", listings)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testScraper(srv.Client())
	_, err := s.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if !IsFetchError(err) {
		t.Errorf("error %v is not a FetchError", err)
	}
}
