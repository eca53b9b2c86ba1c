// Package fetcher downloads open appointment slots from the scheduling provider.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"slot_bot/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError describes a failed fetch. Retryable errors are expected to clear
// up on a later tick; the rest mean the provider changed shape or rejects the center.
type FetchError struct {
	CenterID  string
	Status    int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.CenterID, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.CenterID, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

// apiSlot is one entry of the provider's slots response.
type apiSlot struct {
	LocationID     int    `json:"locationId"`
	StartTimestamp string `json:"startTimestamp"`
	EndTimestamp   string `json:"endTimestamp"`
	Active         *bool  `json:"active"`
	Duration       int    `json:"duration"`
}

// Fetcher retrieves slot snapshots for centers.
type Fetcher struct {
	client  HTTPClient
	baseURL string
	limit   int
	timeout time.Duration
	now     func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithBaseURL overrides the provider base URL.
func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = strings.TrimRight(u, "/") }
}

// WithLimit sets how many soonest slots are requested per center.
func WithLimit(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.limit = n
		}
	}
}

// WithTimeout bounds every fetch call.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  client,
		baseURL: "https://ttp.cbp.dhs.gov",
		limit:   5,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the currently open slots of the center.
func (f *Fetcher) Fetch(ctx context.Context, center model.Center) (model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fail := func(status int, retryable bool, err error) (model.Snapshot, error) {
		return model.Snapshot{}, &FetchError{CenterID: center.ID, Status: status, Retryable: retryable, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.slotsURL(center), nil)
	if err != nil {
		return fail(0, false, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "SlotNotifyBot/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(0, true, fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return fail(resp.StatusCode, retryable, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fail(resp.StatusCode, true, fmt.Errorf("read body: %w", err))
	}

	var entries []apiSlot
	if err := json.Unmarshal(body, &entries); err != nil {
		return fail(resp.StatusCode, false, fmt.Errorf("decode body: %w", err))
	}

	slots, err := toSlots(center, entries)
	if err != nil {
		return fail(resp.StatusCode, false, err)
	}
	return model.Snapshot{CenterID: center.ID, FetchedAt: f.now().In(center.Loc()), Slots: slots}, nil
}

func (f *Fetcher) slotsURL(center model.Center) string {
	q := url.Values{}
	q.Set("orderBy", "soonest")
	q.Set("limit", strconv.Itoa(f.limit))
	q.Set("locationId", center.LocationCode)
	return f.baseURL + "/schedulerapi/slots?" + q.Encode()
}

func toSlots(center model.Center, entries []apiSlot) ([]model.Slot, error) {
	loc := center.Loc()
	slots := make([]model.Slot, 0, len(entries))
	for _, e := range entries {
		if e.Active != nil && !*e.Active {
			continue
		}
		start, err := time.ParseInLocation(model.SlotLayout, e.StartTimestamp, loc)
		if err != nil {
			return nil, fmt.Errorf("parse start timestamp %q: %w", e.StartTimestamp, err)
		}
		s := model.Slot{CenterID: center.ID, Start: start}
		if e.EndTimestamp != "" {
			if end, err := time.ParseInLocation(model.SlotLayout, e.EndTimestamp, loc); err == nil {
				s.End = end
			}
		} else if e.Duration > 0 {
			s.End = start.Add(time.Duration(e.Duration) * time.Minute)
		}
		slots = append(slots, s)
	}
	return slots, nil
}
