package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qrgate/qrgate/internal/config"
)

func testClient(serverURL string) *Client {
	return NewClient(config.FeedConfig{
		BaseURL:   serverURL,
		ChannelID: "123456",
		ReadKey:   "RKEY",
		WriteKey:  "WKEY",
	})
}

// ---------------------------------------------------------------------------
// FetchRecent
// ---------------------------------------------------------------------------

func TestFetchRecent_ParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/channels/123456/feeds.json") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("results"); got != "10" {
			t.Errorf("results = %q, want 10", got)
		}
		if got := r.URL.Query().Get("api_key"); got != "RKEY" {
			t.Errorf("api_key = %q, want RKEY", got)
		}
		w.Header().Set("Content-Type", "application/json")
		// field6 null mirrors how the upstream renders unset fields.
		w.Write([]byte(`{
			"channel": {"id": 123456},
			"feeds": [
				{"created_at": "2024-01-01T10:00:00Z", "entry_id": 41, "field1": "Maria Santos",
				 "field2": "maria@example.com", "field6": null, "field7": "register", "field8": "pending"},
				{"created_at": "2024-01-01T10:05:00Z", "entry_id": 42, "field1": "processed:qr_ab_id_1",
				 "field7": "register", "field8": "processed"}
			]
		}`))
	}))
	defer srv.Close()

	entries, err := testClient(srv.URL).FetchRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchRecent() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].EntryID != 41 || entries[0].FullName() != "Maria Santos" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[0].Field6 != "" {
		t.Errorf("null field decoded to %q, want empty", entries[0].Field6)
	}
	if !entries[0].IsRegistrationCandidate() {
		t.Error("pending register entry should be a candidate")
	}
	if entries[1].IsRegistrationCandidate() {
		t.Error("processed marker entry must not be a candidate")
	}
}

func TestFetchRecent_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchRecent(context.Background(), 10); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestIsRegistrationCandidate_Variants(t *testing.T) {
	tests := []struct {
		name   string
		action string
		status string
		want   bool
	}{
		{"pending registration", "register", "pending", true},
		{"case and whitespace tolerated", " Register ", "PENDING", true},
		{"processed marker", "register", "processed", false},
		{"unrelated action", "telemetry", "pending", false},
		{"empty tags", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Entry{Field7: tt.action, Field8: tt.status}
			if got := e.IsRegistrationCandidate(); got != tt.want {
				t.Errorf("IsRegistrationCandidate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// PushProcessedMarker
// ---------------------------------------------------------------------------

func TestPushProcessedMarker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/update" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("api_key"); got != "WKEY" {
			t.Errorf("api_key = %q, want WKEY", got)
		}
		if got := r.PostForm.Get("field1"); got != "processed:qr_aabbcc_id_7" {
			t.Errorf("field1 = %q", got)
		}
		if got := r.PostForm.Get("field8"); got != "processed" {
			t.Errorf("field8 = %q, want processed", got)
		}
		w.Write([]byte("12345"))
	}))
	defer srv.Close()

	entryID, err := testClient(srv.URL).PushProcessedMarker(context.Background(), "aabbcc", 7)
	if err != nil {
		t.Fatalf("PushProcessedMarker() error: %v", err)
	}
	if entryID != 12345 {
		t.Errorf("entryID = %d, want 12345", entryID)
	}
}

func TestPushProcessedMarker_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PushProcessedMarker(context.Background(), "aabbcc", 7)
	if !errors.Is(err, ErrWriteRejected) {
		t.Errorf("error = %v, want ErrWriteRejected", err)
	}
}

func TestPushProcessedMarker_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).PushProcessedMarker(context.Background(), "aabbcc", 7); err == nil {
		t.Error("expected error for non-200 response")
	}
}

// ---------------------------------------------------------------------------
// LocalLimiter
// ---------------------------------------------------------------------------

func TestLocalLimiter_FirstCallDoesNotWait(t *testing.T) {
	l := NewLocalLimiter(time.Hour)
	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("first Wait took %v, want immediate", elapsed)
	}
}

func TestLocalLimiter_EnforcesSpacing(t *testing.T) {
	const interval = 80 * time.Millisecond
	l := NewLocalLimiter(interval)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < interval-10*time.Millisecond {
		t.Errorf("second Wait returned after %v, want at least %v", elapsed, interval)
	}
}

func TestLocalLimiter_CancelledContext(t *testing.T) {
	l := NewLocalLimiter(time.Hour)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}
