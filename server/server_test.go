package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avito-notifier/ledger"
	"avito-notifier/pkg/notifier"
	"avito-notifier/sched"
)

type fakeStore struct {
	prefs      map[string]*notifier.Preference
	saved      []string
	activeSets map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefs:      make(map[string]*notifier.Preference),
		activeSets: make(map[string]bool),
	}
}

func (s *fakeStore) SetPreference(_ context.Context, subscriberID string, minPrice, maxPrice int, roomCounts []int) error {
	if maxPrice < minPrice {
		return ledger.ErrInvalidRange
	}
	s.saved = append(s.saved, subscriberID)
	s.prefs[subscriberID] = &notifier.Preference{
		SubscriberID: subscriberID,
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		RoomCounts:   roomCounts,
	}
	return nil
}

func (s *fakeStore) SetActive(_ context.Context, subscriberID string, active bool) error {
	if _, ok := s.prefs[subscriberID]; !ok {
		return ledger.ErrUnknownSubscriber
	}
	s.activeSets[subscriberID] = active
	s.prefs[subscriberID].Active = active
	return nil
}

func (s *fakeStore) GetPreference(_ context.Context, subscriberID string) (*notifier.Preference, error) {
	pref, ok := s.prefs[subscriberID]
	if !ok {
		return nil, ledger.ErrUnknownSubscriber
	}
	return pref, nil
}

type fakePoller struct {
	err  error
	runs int
}

func (p *fakePoller) RunOnce(context.Context) error {
	p.runs++
	return p.err
}

func testServer(store Store, poller Poller) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, poller, logger).Routes()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := testServer(newFakeStore(), &fakePoller{})
	rec := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestSetPreferences(t *testing.T) {
	store := newFakeStore()
	h := testServer(store, &fakePoller{})

	rec := doRequest(t, h, http.MethodPut, "/subscribers/42/preferences",
		`{"min_price":50000,"max_price":100000,"room_counts":[1,2]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"42"}, store.saved)
}

func TestSetPreferencesInvalidRange(t *testing.T) {
	store := newFakeStore()
	h := testServer(store, &fakePoller{})

	rec := doRequest(t, h, http.MethodPut, "/subscribers/42/preferences",
		`{"min_price":100000,"max_price":50000,"room_counts":[1]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, store.saved)
}

func TestSetPreferencesMalformedBody(t *testing.T) {
	h := testServer(newFakeStore(), &fakePoller{})
	rec := doRequest(t, h, http.MethodPut, "/subscribers/42/preferences", `{"min_price":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetPreferencesMissingRooms(t *testing.T) {
	h := testServer(newFakeStore(), &fakePoller{})
	rec := doRequest(t, h, http.MethodPut, "/subscribers/42/preferences",
		`{"min_price":50000,"max_price":100000,"room_counts":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetPreferencesRoundTrip(t *testing.T) {
	store := newFakeStore()
	h := testServer(store, &fakePoller{})

	doRequest(t, h, http.MethodPut, "/subscribers/42/preferences",
		`{"min_price":50000,"max_price":100000,"room_counts":[0,2]}`)
	rec := doRequest(t, h, http.MethodGet, "/subscribers/42/preferences", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp preferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.SubscriberID)
	assert.Equal(t, 50000, resp.MinPrice)
	assert.Equal(t, 100000, resp.MaxPrice)
	assert.Equal(t, []int{0, 2}, resp.RoomCounts)
	assert.False(t, resp.Active)
}

func TestGetPreferencesUnknown(t *testing.T) {
	h := testServer(newFakeStore(), &fakePoller{})
	rec := doRequest(t, h, http.MethodGet, "/subscribers/999/preferences", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateUnknownSubscriber(t *testing.T) {
	h := testServer(newFakeStore(), &fakePoller{})
	rec := doRequest(t, h, http.MethodPost, "/subscribers/999/activate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateDeactivate(t *testing.T) {
	store := newFakeStore()
	h := testServer(store, &fakePoller{})
	doRequest(t, h, http.MethodPut, "/subscribers/42/preferences",
		`{"min_price":0,"max_price":100000,"room_counts":[1]}`)

	rec := doRequest(t, h, http.MethodPost, "/subscribers/42/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.activeSets["42"])

	rec = doRequest(t, h, http.MethodPost, "/subscribers/42/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, store.activeSets["42"])
}

func TestPollz(t *testing.T) {
	poller := &fakePoller{}
	h := testServer(newFakeStore(), poller)

	rec := doRequest(t, h, http.MethodPost, "/pollz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, poller.runs)
}

func TestPollzBusy(t *testing.T) {
	poller := &fakePoller{err: sched.ErrCycleInFlight}
	h := testServer(newFakeStore(), poller)

	rec := doRequest(t, h, http.MethodPost, "/pollz", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
