package gate

import (
	"context"
	"testing"
	"time"

	"github.com/qrgate/qrgate/internal/db/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeStore struct {
	visitors map[string]*models.Visitor // keyed by qr_code

	markExitErr     error
	forceCASFailure bool // make MarkExit report zero rows without setting exit_time
	hideExitOnce    bool // first GetByQRCode pretends exit_time is still unset
	scanStateCalls  int
}

func newFakeStore(vs ...*models.Visitor) *fakeStore {
	s := &fakeStore{visitors: make(map[string]*models.Visitor)}
	for _, v := range vs {
		s.visitors[v.QRCode] = v
	}
	return s
}

func (s *fakeStore) GetByQRCode(_ context.Context, token string) (*models.Visitor, error) {
	v, ok := s.visitors[token]
	if !ok {
		return nil, nil
	}
	copied := *v
	if s.hideExitOnce {
		s.hideExitOnce = false
		copied.ExitTime = nil
	}
	return &copied, nil
}

func (s *fakeStore) UpdateScanState(_ context.Context, visitorID int64, status string, scannedAt time.Time) error {
	s.scanStateCalls++
	for _, v := range s.visitors {
		if v.ID == visitorID {
			v.LastStatus = &status
			v.LastScan = &scannedAt
		}
	}
	return nil
}

func (s *fakeStore) MarkExit(_ context.Context, visitorID int64, exitAt time.Time) (bool, error) {
	if s.markExitErr != nil {
		return false, s.markExitErr
	}
	for _, v := range s.visitors {
		if v.ID != visitorID {
			continue
		}
		if v.ExitTime != nil || s.forceCASFailure {
			return false, nil
		}
		t := exitAt
		v.ExitTime = &t
		return true, nil
	}
	return false, nil
}

type auditEntry struct {
	visitorID *int64
	qrCode    string
	status    string
}

type fakeAudit struct {
	entries []auditEntry
}

func (a *fakeAudit) Append(_ context.Context, visitorID *int64, qrCode, status string, _ time.Time) error {
	a.entries = append(a.entries, auditEntry{visitorID: visitorID, qrCode: qrCode, status: status})
	return nil
}

func (a *fakeAudit) last(t *testing.T) auditEntry {
	t.Helper()
	if len(a.entries) == 0 {
		t.Fatal("no audit entries were written")
	}
	return a.entries[len(a.entries)-1]
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts
}

// testVisitor returns a pass created 2024-01-01T10:00:00Z, expiring at 11:00:00Z.
func testVisitor(t *testing.T) *models.Visitor {
	t.Helper()
	return &models.Visitor{
		ID:        1,
		FullName:  "Maria Santos",
		QRCode:    "aabbccdd00112233aabbccdd00112233",
		CreatedAt: mustParse(t, "2024-01-01T10:00:00Z"),
		ExpiryAt:  mustParse(t, "2024-01-01T11:00:00Z"),
	}
}

// ---------------------------------------------------------------------------
// PassValidator
// ---------------------------------------------------------------------------

func TestValidate_UnknownToken(t *testing.T) {
	store := newFakeStore()
	audit := &fakeAudit{}
	v := NewPassValidator(store, audit, &fakeClock{now: mustParse(t, "2024-01-01T10:30:00Z")})

	res, err := v.Validate(context.Background(), "no-such-token")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if res.Status != StatusInvalid {
		t.Errorf("Status = %q, want Invalid", res.Status)
	}
	if res.Visitor != nil {
		t.Error("Invalid result must not carry a visitor snapshot")
	}

	entry := audit.last(t)
	if entry.status != "Invalid" || entry.visitorID != nil {
		t.Errorf("audit entry = %+v, want Invalid with nil visitor id", entry)
	}
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name string
		now  string
		want Status
	}{
		{"one second before expiry", "2024-01-01T10:59:59Z", StatusValid},
		{"exactly at expiry", "2024-01-01T11:00:00Z", StatusValid},
		{"one second after expiry", "2024-01-01T11:00:01Z", StatusExpired},
		{"well after expiry", "2024-01-02T09:00:00Z", StatusExpired},
		{"at creation instant", "2024-01-01T10:00:00Z", StatusValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visitor := testVisitor(t)
			store := newFakeStore(visitor)
			audit := &fakeAudit{}
			v := NewPassValidator(store, audit, &fakeClock{now: mustParse(t, tt.now)})

			res, err := v.Validate(context.Background(), visitor.QRCode)
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Status = %q, want %q", res.Status, tt.want)
			}
			if res.Visitor == nil {
				t.Fatal("known token must carry a visitor snapshot")
			}
			if got := audit.last(t).status; got != string(tt.want) {
				t.Errorf("audit status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate_AlreadyExitedBeatsExpiry(t *testing.T) {
	visitor := testVisitor(t)
	exitAt := mustParse(t, "2024-01-01T10:30:00Z")
	visitor.ExitTime = &exitAt
	store := newFakeStore(visitor)
	audit := &fakeAudit{}

	// Scan well after expiry: the exited state must still win.
	v := NewPassValidator(store, audit, &fakeClock{now: mustParse(t, "2024-01-02T08:00:00Z")})
	res, err := v.Validate(context.Background(), visitor.QRCode)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if res.Status != StatusAlreadyExited {
		t.Errorf("Status = %q, want AlreadyExited", res.Status)
	}
}

func TestValidate_RefreshesLastScanCache(t *testing.T) {
	visitor := testVisitor(t)
	store := newFakeStore(visitor)
	v := NewPassValidator(store, &fakeAudit{}, &fakeClock{now: mustParse(t, "2024-01-01T10:15:00Z")})

	if _, err := v.Validate(context.Background(), visitor.QRCode); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if store.scanStateCalls != 1 {
		t.Errorf("UpdateScanState called %d times, want 1", store.scanStateCalls)
	}
}

// ---------------------------------------------------------------------------
// ExitRecorder
// ---------------------------------------------------------------------------

func TestRecordExit_Success(t *testing.T) {
	visitor := testVisitor(t)
	store := newFakeStore(visitor)
	audit := &fakeAudit{}
	r := NewExitRecorder(store, audit, &fakeClock{now: mustParse(t, "2024-01-01T10:30:00Z")})

	res, err := r.RecordExit(context.Background(), visitor.QRCode)
	if err != nil {
		t.Fatalf("RecordExit() error: %v", err)
	}
	if res.Outcome != StatusExited {
		t.Fatalf("Outcome = %q, want Exited", res.Outcome)
	}
	if res.Duration != "30 minutes" {
		t.Errorf("Duration = %q, want %q", res.Duration, "30 minutes")
	}
	if res.Visitor.ExitTime == nil || !res.Visitor.ExitTime.Equal(mustParse(t, "2024-01-01T10:30:00Z")) {
		t.Errorf("snapshot exit time = %v, want 10:30:00", res.Visitor.ExitTime)
	}
	if got := audit.last(t).status; got != "Exited" {
		t.Errorf("audit status = %q, want Exited", got)
	}
}

func TestRecordExit_UnknownToken(t *testing.T) {
	r := NewExitRecorder(newFakeStore(), &fakeAudit{}, &fakeClock{now: mustParse(t, "2024-01-01T10:30:00Z")})
	res, err := r.RecordExit(context.Background(), "no-such-token")
	if err != nil {
		t.Fatalf("RecordExit() error: %v", err)
	}
	if res.Outcome != StatusInvalid {
		t.Errorf("Outcome = %q, want Invalid", res.Outcome)
	}
}

func TestRecordExit_SecondSubmissionIsIdempotent(t *testing.T) {
	visitor := testVisitor(t)
	store := newFakeStore(visitor)
	audit := &fakeAudit{}

	first := NewExitRecorder(store, audit, &fakeClock{now: mustParse(t, "2024-01-01T10:30:00Z")})
	if res, err := first.RecordExit(context.Background(), visitor.QRCode); err != nil || res.Outcome != StatusExited {
		t.Fatalf("first RecordExit = (%v, %v), want Exited", res, err)
	}
	auditCount := len(audit.entries)

	// Fifteen minutes later the same token is submitted again.
	second := NewExitRecorder(store, audit, &fakeClock{now: mustParse(t, "2024-01-01T10:45:00Z")})
	res, err := second.RecordExit(context.Background(), visitor.QRCode)
	if err != nil {
		t.Fatalf("second RecordExit() error: %v", err)
	}
	if res.Outcome != StatusAlreadyExited {
		t.Fatalf("Outcome = %q, want AlreadyExited", res.Outcome)
	}
	if res.Visitor.ExitTime == nil || !res.Visitor.ExitTime.Equal(mustParse(t, "2024-01-01T10:30:00Z")) {
		t.Errorf("exit time = %v, want the first submission's 10:30:00", res.Visitor.ExitTime)
	}
	if len(audit.entries) != auditCount {
		t.Errorf("repeated submission wrote %d extra audit entries, want 0", len(audit.entries)-auditCount)
	}
}

func TestRecordExit_ExpiredPassDoesNotMutate(t *testing.T) {
	visitor := testVisitor(t)
	store := newFakeStore(visitor)
	r := NewExitRecorder(store, &fakeAudit{}, &fakeClock{now: mustParse(t, "2024-01-01T12:00:00Z")})

	res, err := r.RecordExit(context.Background(), visitor.QRCode)
	if err != nil {
		t.Fatalf("RecordExit() error: %v", err)
	}
	if res.Outcome != StatusExpired {
		t.Fatalf("Outcome = %q, want Expired", res.Outcome)
	}
	if store.visitors[visitor.QRCode].ExitTime != nil {
		t.Error("expired exit attempt mutated exit_time")
	}
}

func TestRecordExit_LostRaceReturnsWinnersExitTime(t *testing.T) {
	// Simulate a concurrent winner committing between our read and our
	// conditional update: the first read sees no exit, the conditional update
	// reports zero rows, the re-read observes the winner's exit time.
	visitor := testVisitor(t)
	winnerExit := mustParse(t, "2024-01-01T10:29:00Z")
	visitor.ExitTime = &winnerExit
	store := newFakeStore(visitor)
	store.forceCASFailure = true
	store.hideExitOnce = true
	audit := &fakeAudit{}
	r := NewExitRecorder(store, audit, &fakeClock{now: mustParse(t, "2024-01-01T10:30:00Z")})

	res, err := r.RecordExit(context.Background(), visitor.QRCode)
	if err != nil {
		t.Fatalf("RecordExit() error: %v", err)
	}
	if res.Outcome != StatusAlreadyExited {
		t.Fatalf("Outcome = %q, want AlreadyExited", res.Outcome)
	}
	if res.Visitor.ExitTime == nil || !res.Visitor.ExitTime.Equal(winnerExit) {
		t.Errorf("exit time = %v, want winner's %v", res.Visitor.ExitTime, winnerExit)
	}
	for _, e := range audit.entries {
		if e.status == "Exited" {
			t.Error("losing submission must not write an Exited audit entry")
		}
	}
}

// ---------------------------------------------------------------------------
// Duration rendering
// ---------------------------------------------------------------------------

func TestFormatVisitDuration(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		exit time.Time
		want string
	}{
		{"under a minute", base.Add(45 * time.Second), "Less than a minute"},
		{"exactly one minute", base.Add(1 * time.Minute), "1 minute"},
		{"thirty minutes", base.Add(30 * time.Minute), "30 minutes"},
		{"floors to the minute", base.Add(30*time.Minute + 59*time.Second), "30 minutes"},
		{"one hour five minutes", base.Add(65 * time.Minute), "1 hour 5 minutes"},
		{"two hours even", base.Add(2 * time.Hour), "2 hours 0 minutes"},
		{"overnight", base.Add(26*time.Hour + 1*time.Minute), "26 hours 1 minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatVisitDuration(base, tt.exit); got != tt.want {
				t.Errorf("FormatVisitDuration() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Token and pass creation
// ---------------------------------------------------------------------------

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(16)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 {
		t.Errorf("token length = %d, want 32 hex chars for 16 bytes", len(tok))
	}

	other, err := GenerateToken(16)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if tok == other {
		t.Error("two generated tokens collided")
	}
}

func TestNewPass(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	pass, err := NewPass(Profile{FullName: "Maria Santos", Host: "Engineering"}, now, 24*time.Hour, 16)
	if err != nil {
		t.Fatalf("NewPass() error: %v", err)
	}
	if pass.FullName != "Maria Santos" || pass.Host != "Engineering" {
		t.Errorf("profile fields not carried over: %+v", pass)
	}
	if !pass.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", pass.CreatedAt, now)
	}
	if !pass.ExpiryAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("ExpiryAt = %v, want now+24h", pass.ExpiryAt)
	}
	if len(pass.QRCode) != 32 {
		t.Errorf("QRCode length = %d, want 32", len(pass.QRCode))
	}
	if pass.ExitTime != nil {
		t.Error("new pass must have no exit time")
	}
}
