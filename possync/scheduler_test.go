package possync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toyiyo/nimble-pnl-sub020/models"
)

func testScheduler() *Scheduler {
	s := NewScheduler(nil, nil, nil)
	s.budget.InterConnectionDelay = 0
	return s
}

func TestComputeWindow_BackfillProgression(t *testing.T) {
	s := testScheduler()
	conn := &models.PosConnection{TargetDays: 90}

	runs := 0
	for !conn.InitialSyncDone {
		window, nextCursor, done := s.computeWindow(conn, nil)
		if window.Start.After(window.End) {
			t.Fatalf("run %d: window start after end", runs)
		}
		if nextCursor <= conn.SyncCursor {
			t.Fatalf("run %d: cursor did not advance (%d -> %d)", runs, conn.SyncCursor, nextCursor)
		}
		conn.SyncCursor = nextCursor
		conn.InitialSyncDone = done
		runs++
		if runs > 1000 {
			t.Fatal("backfill never completed")
		}
	}

	if runs != 30 {
		t.Fatalf("runs = %d, want 30 (90 target days / 3-day batches)", runs)
	}
	if conn.SyncCursor < 90 {
		t.Fatalf("final cursor = %d, want >= 90", conn.SyncCursor)
	}
}

func TestComputeWindow_BackfillWalksBackward(t *testing.T) {
	s := testScheduler()
	conn := &models.PosConnection{TargetDays: 90, SyncCursor: 6}

	window, nextCursor, done := s.computeWindow(conn, nil)
	now := time.Now().UTC()

	wantEnd := now.AddDate(0, 0, -6)
	wantStart := now.AddDate(0, 0, -9)
	if window.End.Sub(wantEnd).Abs() > time.Minute {
		t.Fatalf("window end = %v, want ~%v", window.End, wantEnd)
	}
	if window.Start.Sub(wantStart).Abs() > time.Minute {
		t.Fatalf("window start = %v, want ~%v", window.Start, wantStart)
	}
	if nextCursor != 9 {
		t.Fatalf("next cursor = %d, want 9", nextCursor)
	}
	if done {
		t.Fatal("backfill reported done at cursor 9 of 90")
	}
}

func TestComputeWindow_IncrementalLookback(t *testing.T) {
	s := testScheduler()
	conn := &models.PosConnection{TargetDays: 90, SyncCursor: 90, InitialSyncDone: true}

	window, nextCursor, done := s.computeWindow(conn, nil)
	if !done {
		t.Fatal("incremental mode must stay done")
	}
	if nextCursor != 90 {
		t.Fatalf("cursor moved in incremental mode: %d", nextCursor)
	}
	lookback := window.End.Sub(window.Start)
	if lookback != 25*time.Hour {
		t.Fatalf("lookback = %v, want 25h", lookback)
	}
}

func TestComputeWindow_OverrideDoesNotMoveCursor(t *testing.T) {
	s := testScheduler()
	conn := &models.PosConnection{TargetDays: 90, SyncCursor: 12}
	override := &SyncWindow{
		Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 8, 0, 0, 0, 0, time.UTC),
	}

	window, nextCursor, done := s.computeWindow(conn, override)
	if !window.Start.Equal(override.Start) || !window.End.Equal(override.End) {
		t.Fatalf("window = %+v, want override", window)
	}
	if nextCursor != 12 || done {
		t.Fatalf("cursor/done changed under override: %d %v", nextCursor, done)
	}
}

func TestRunConnections_FaultIsolation(t *testing.T) {
	s := testScheduler()
	s.runConn = func(_ context.Context, conn *models.PosConnection, _ string, _ *SyncWindow) ConnectionResult {
		if conn.Provider == models.PosProviderClover {
			return ConnectionResult{
				Provider: conn.Provider,
				Failed:   true,
				Errors:   []string{"clover token refresh failed: refresh token revoked"},
			}
		}
		return ConnectionResult{Provider: conn.Provider, OrdersSynced: 7}
	}

	conns := []models.PosConnection{
		{ID: 1, RestaurantId: "rest-1", Provider: models.PosProviderClover},
		{ID: 2, RestaurantId: "rest-2", Provider: models.PosProviderSquare},
	}
	resp := s.runConnections(context.Background(), conns, models.SyncTriggeredSchedule, nil)

	if len(resp.Connections) != 2 {
		t.Fatalf("connections processed = %d, want 2", len(resp.Connections))
	}
	if resp.Success {
		t.Fatal("aggregate success despite a failed connection")
	}
	// The failing connection must not stop the next one.
	if resp.Results.OrdersSynced != 7 {
		t.Fatalf("orders synced = %d, want 7 from the healthy connection", resp.Results.OrdersSynced)
	}
	if !resp.Connections[0].Failed || resp.Connections[1].Failed {
		t.Fatalf("per-connection outcomes wrong: %+v", resp.Connections)
	}
}

func TestRunConnections_CancelledContextStopsBatch(t *testing.T) {
	s := testScheduler()
	s.budget.InterConnectionDelay = time.Millisecond
	calls := 0
	s.runConn = func(_ context.Context, conn *models.PosConnection, _ string, _ *SyncWindow) ConnectionResult {
		calls++
		return ConnectionResult{Provider: conn.Provider}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conns := []models.PosConnection{
		{ID: 1, Provider: models.PosProviderClover},
		{ID: 2, Provider: models.PosProviderSquare},
	}
	resp := s.runConnections(ctx, conns, models.SyncTriggeredSchedule, nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second connection skipped after cancel)", calls)
	}
	if len(resp.Results.Errors) == 0 {
		t.Fatal("cancellation not surfaced in results")
	}
}

func TestWindowFromDateRange(t *testing.T) {
	tests := []struct {
		name    string
		spec    DateRange
		wantErr bool
	}{
		{"valid range", DateRange{StartDate: "2024-01-01", EndDate: "2024-01-07"}, false},
		{"single day", DateRange{StartDate: "2024-01-01", EndDate: "2024-01-01"}, false},
		{"reversed", DateRange{StartDate: "2024-01-07", EndDate: "2024-01-01"}, true},
		{"garbage start", DateRange{StartDate: "Jan 1", EndDate: "2024-01-07"}, true},
		{"garbage end", DateRange{StartDate: "2024-01-01", EndDate: "soon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := windowFromDateRange(&tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("windowFromDateRange: %v", err)
			}
			// End is exclusive: the full final day is covered.
			if !w.End.After(w.Start) {
				t.Fatalf("window %+v not half-open", w)
			}
		})
	}
}

func TestIsTransientPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{Provider: "clover", Status: 429}, true},
		{"503", &APIError{Provider: "toast", Status: 503}, true},
		{"network", &APIError{Provider: "square", Status: 0, Body: "dial tcp: timeout"}, true},
		{"401", &APIError{Provider: "clover", Status: 401}, false},
		{"data error", &ProviderDataError{Provider: "toast", ExternalId: "o1", Reason: "missing guid"}, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if !IsUnauthorized(&APIError{Status: 401}) {
		t.Fatal("401 not detected as unauthorized")
	}
	if IsUnauthorized(errors.New("plain")) {
		t.Fatal("plain error detected as unauthorized")
	}
	if !IsRateLimited(&APIError{Status: 429}) {
		t.Fatal("429 not detected as rate limited")
	}
}

// stubFetcher pages out canned results without talking to a provider.
type stubFetcher struct {
	provider      string
	pages         []PageResult
	payments      func() ([]RawPayment, error)
	ordersCalls   int
	paymentsCalls int
}

func (f *stubFetcher) Provider() string { return f.provider }

func (f *stubFetcher) FetchOrders(_ context.Context, _ *models.PosConnection, _ string, _ SyncWindow, page PageToken) (*PageResult, error) {
	f.ordersCalls++
	if page.Page >= len(f.pages) {
		return &PageResult{}, nil
	}
	pr := f.pages[page.Page]
	pr.Next = PageToken{Page: page.Page + 1}
	return &pr, nil
}

func (f *stubFetcher) FetchPayments(_ context.Context, _ *models.PosConnection, _ string, _ *RawOrder) ([]RawPayment, error) {
	f.paymentsCalls++
	if f.payments != nil {
		return f.payments()
	}
	return nil, nil
}

func apiKeyConn(provider string) *models.PosConnection {
	return &models.PosConnection{
		Provider:       provider,
		AuthType:       models.AuthTypeAPIKey,
		AccessTokenEnc: "stub-key",
		Status:         models.ConnectionStatusConnected,
	}
}

func stubbedScheduler(fetcher *stubFetcher) *Scheduler {
	s := testScheduler()
	s.tokens = NewTokenManager(nil, localCipher{})
	s.newFetcher = func(string) ProviderFetcher { return fetcher }
	return s
}

func TestExecuteRun_PageBudgetReportsTruncation(t *testing.T) {
	fetcher := &stubFetcher{
		provider: models.PosProviderClover,
		pages:    []PageResult{{HasMore: true}, {}},
	}
	s := stubbedScheduler(fetcher)
	s.budget.MaxPagesPerRun = 1

	var result ConnectionResult
	truncated, err := s.executeRun(context.Background(), apiKeyConn(models.PosProviderClover), &models.PosSyncRun{}, SyncWindow{}, &result)
	if err != nil {
		t.Fatalf("executeRun: %v", err)
	}
	if !truncated {
		t.Fatal("page budget exhausted with more data must report truncation")
	}
	if result.PagesFetched != 1 {
		t.Fatalf("pages fetched = %d, want 1", result.PagesFetched)
	}
}

func TestExecuteRun_DrainedWindowIsNotTruncated(t *testing.T) {
	fetcher := &stubFetcher{
		provider: models.PosProviderClover,
		pages:    []PageResult{{HasMore: false}},
	}
	s := stubbedScheduler(fetcher)

	var result ConnectionResult
	truncated, err := s.executeRun(context.Background(), apiKeyConn(models.PosProviderClover), &models.PosSyncRun{}, SyncWindow{}, &result)
	if err != nil {
		t.Fatalf("executeRun: %v", err)
	}
	if truncated {
		t.Fatal("a fully drained window must not report truncation")
	}
}

func TestExecuteRun_OrderBudgetReportsTruncation(t *testing.T) {
	fetcher := &stubFetcher{
		provider: models.PosProviderClover,
		pages:    []PageResult{{Orders: []RawOrder{{ExternalId: "o1"}}}},
	}
	s := stubbedScheduler(fetcher)
	s.budget.MaxOrdersPerRun = 0

	var result ConnectionResult
	truncated, err := s.executeRun(context.Background(), apiKeyConn(models.PosProviderClover), &models.PosSyncRun{}, SyncWindow{}, &result)
	if err != nil {
		t.Fatalf("executeRun: %v", err)
	}
	if !truncated {
		t.Fatal("order budget hit mid-page must report truncation")
	}
	if fetcher.paymentsCalls != 0 {
		t.Fatalf("payments fetched %d times past the order budget", fetcher.paymentsCalls)
	}
}

func TestRunOutcome(t *testing.T) {
	tests := []struct {
		name        string
		runErr      error
		truncated   bool
		errorCount  int
		wantStatus  string
		wantAdvance bool
	}{
		{"fatal error", errors.New("boom"), false, 0, models.SyncRunStatusFailed, false},
		{"budget truncation", nil, true, 0, models.SyncRunStatusPartial, false},
		{"order skips only", nil, false, 2, models.SyncRunStatusPartial, true},
		{"clean", nil, false, 0, models.SyncRunStatusSuccess, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, advance := runOutcome(tt.runErr, tt.truncated, tt.errorCount)
			if status != tt.wantStatus || advance != tt.wantAdvance {
				t.Fatalf("runOutcome = (%s, %v), want (%s, %v)", status, advance, tt.wantStatus, tt.wantAdvance)
			}
		})
	}
}

func TestExecuteRun_PaymentsAuthFailureRetriesOnce(t *testing.T) {
	fetcher := &stubFetcher{
		provider: models.PosProviderShift4,
		pages:    []PageResult{{Orders: []RawOrder{{ExternalId: "o1"}}}},
		payments: func() ([]RawPayment, error) {
			return nil, &APIError{Provider: models.PosProviderShift4, Status: 401}
		},
	}
	s := stubbedScheduler(fetcher)

	var result ConnectionResult
	_, err := s.executeRun(context.Background(), apiKeyConn(models.PosProviderShift4), &models.PosSyncRun{}, SyncWindow{}, &result)
	if err == nil {
		t.Fatal("a second 401 after the forced refresh must be connection-fatal")
	}
	if fetcher.paymentsCalls != 2 {
		t.Fatalf("payments fetched %d times, want 2 (one forced-refresh retry)", fetcher.paymentsCalls)
	}
}
