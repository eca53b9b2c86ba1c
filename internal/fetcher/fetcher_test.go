package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/h2non/gock"

	"slot_bot/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	lastURL    string
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.lastURL = req.URL.String()
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

var testCenter = model.Center{ID: "NY", Name: "New York JFK", LocationCode: "5140"}

const sampleBody = `[
  {"locationId": 5140, "startTimestamp": "2024-01-06T10:00", "endTimestamp": "2024-01-06T10:15", "active": true, "duration": 15},
  {"locationId": 5140, "startTimestamp": "2024-01-05T09:00", "endTimestamp": "2024-01-05T09:15", "active": true, "duration": 15},
  {"locationId": 5140, "startTimestamp": "2024-01-07T09:00", "endTimestamp": "", "active": false, "duration": 15}
]`

func ts(s string) time.Time {
	t, err := time.Parse(model.SlotLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name          string
		transport     *mockTransport
		wantSlots     []model.Slot
		wantErr       bool
		wantRetryable bool
	}{
		{
			name:      "successful fetch drops inactive entries",
			transport: &mockTransport{body: sampleBody, statusCode: 200},
			wantSlots: []model.Slot{
				{CenterID: "NY", Start: ts("2024-01-06T10:00"), End: ts("2024-01-06T10:15")},
				{CenterID: "NY", Start: ts("2024-01-05T09:00"), End: ts("2024-01-05T09:15")},
			},
		},
		{
			name:      "empty availability is not an error",
			transport: &mockTransport{body: "[]", statusCode: 200},
			wantSlots: []model.Slot{},
		},
		{
			name:      "end derived from duration",
			transport: &mockTransport{body: `[{"locationId":5140,"startTimestamp":"2024-01-05T09:00","duration":10}]`, statusCode: 200},
			wantSlots: []model.Slot{
				{CenterID: "NY", Start: ts("2024-01-05T09:00"), End: ts("2024-01-05T09:10")},
			},
		},
		{
			name:          "server error is transient",
			transport:     &mockTransport{body: "oops", statusCode: 503},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name:          "rate limited is transient",
			transport:     &mockTransport{body: "", statusCode: 429},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name:          "network error is transient",
			transport:     &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name:      "client error is permanent",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "malformed body is permanent",
			transport: &mockTransport{body: "<html>maintenance</html>", statusCode: 200},
			wantErr:   true,
		},
		{
			name:      "schema mismatch is permanent",
			transport: &mockTransport{body: `[{"startTimestamp":"next tuesday"}]`, statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			snap, err := f.Fetch(context.Background(), testCenter)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var fe *FetchError
				if !errors.As(err, &fe) {
					t.Fatalf("expected *FetchError, got %T", err)
				}
				if diff := cmp.Diff(tt.wantRetryable, IsRetryable(err)); diff != "" {
					t.Errorf("retryable mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff("NY", fe.CenterID); diff != "" {
					t.Errorf("center mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff("NY", snap.CenterID); diff != "" {
				t.Errorf("center mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSlots, snap.Slots); diff != "" {
				t.Errorf("slots mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchRequestURL(t *testing.T) {
	m := &mockTransport{body: "[]", statusCode: 200}
	f := New(m, WithBaseURL("https://provider.example.com/"), WithLimit(3))

	if _, err := f.Fetch(context.Background(), testCenter); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := "https://provider.example.com/schedulerapi/slots?limit=3&locationId=5140&orderBy=soonest"
	if diff := cmp.Diff(want, m.lastURL); diff != "" {
		t.Errorf("url mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchUsesCenterTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	center := testCenter
	center.Location = loc

	f := New(&mockTransport{body: `[{"locationId":5140,"startTimestamp":"2024-01-05T09:00"}]`, statusCode: 200})
	snap, err := f.Fetch(context.Background(), center)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := time.Date(2024, 1, 5, 9, 0, 0, 0, loc)
	if !snap.Slots[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", snap.Slots[0].Start, want)
	}
	if diff := cmp.Diff(model.SlotKey("2024-01-05T09:00"), snap.Slots[0].Key(model.PerSlot)); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchOverHTTP(t *testing.T) {
	defer gock.Off()

	gock.New("https://ttp.cbp.dhs.gov").
		Get("/schedulerapi/slots").
		MatchParam("locationId", "5140").
		MatchParam("orderBy", "soonest").
		Reply(200).
		BodyString(sampleBody)

	client := &http.Client{}
	gock.InterceptClient(client)
	defer gock.RestoreClient(client)

	snap, err := New(client).Fetch(context.Background(), testCenter)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff(2, len(snap.Slots)); diff != "" {
		t.Errorf("slot count mismatch (-want +got):\n%s", diff)
	}
	if !gock.IsDone() {
		t.Error("expected provider endpoint to be called")
	}
}

type hangingClient struct{}

func (hangingClient) Do(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	f := New(hangingClient{}, WithTimeout(20*time.Millisecond))
	_, err := f.Fetch(context.Background(), testCenter)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !IsRetryable(err) {
		t.Errorf("expected timeout to be retryable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
