package possync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

const bulkSyncLockKey = "pos-sync:bulk-lock"

// Scheduler drives the whole pipeline: pick connections, mint a token, page
// through the provider, normalize, persist, advance the cursor, fan out to
// downstream aggregation.
type Scheduler struct {
	db         *gorm.DB
	tokens     *TokenManager
	downstream *DownstreamTrigger
	budget     RunBudget

	// newFetcher is swappable for tests; defaults to NewProviderFetcher.
	newFetcher func(provider string) ProviderFetcher
	// runConn is the per-connection entry point, swappable for tests.
	runConn func(ctx context.Context, conn *models.PosConnection, triggeredBy string, window *SyncWindow) ConnectionResult
}

func NewScheduler(db *gorm.DB, tokens *TokenManager, downstream *DownstreamTrigger) *Scheduler {
	s := &Scheduler{
		db:         db,
		tokens:     tokens,
		downstream: downstream,
		budget:     DefaultRunBudget(),
		newFetcher: NewProviderFetcher,
	}
	s.runConn = s.syncConnection
	return s
}

// database falls back to the global pool: the scheduler is wired up before
// the startup connect-with-retry finishes.
func (s *Scheduler) database() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

// RunBulkSync handles a scheduled tick: take the bulk lock (best effort, skip
// the tick if another instance holds it), pick the least-recently-synced
// connected rows, and run each with per-connection fault isolation.
func (s *Scheduler) RunBulkSync(ctx context.Context) (*SyncResponse, error) {
	logger := config.GetLogger()

	if config.BulkSyncLockEnabled() {
		locker := config.GetRedisLock()
		if locker != nil {
			lock, err := locker.Obtain(ctx, bulkSyncLockKey, 10*time.Minute, nil)
			if err != nil {
				if errors.Is(err, redislock.ErrNotObtained) {
					logger.Info("bulk sync already running elsewhere, skipping tick")
					return &SyncResponse{Success: true}, nil
				}
				// Redis trouble must not stop the schedule.
				logger.WithError(err).Warn("bulk sync lock unavailable, proceeding without it")
			} else {
				defer func() { _ = lock.Release(context.Background()) }()
			}
		}
	}

	conns, err := models.SelectConnectionsForBulkSync(ctx, s.budget.MaxConnections)
	if err != nil {
		return nil, err
	}
	return s.runConnections(ctx, conns, models.SyncTriggeredSchedule, nil), nil
}

// RunRestaurantSync handles a manual trigger for one restaurant, optionally
// narrowed to one provider or an explicit date range.
func (s *Scheduler) RunRestaurantSync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	var conns []models.PosConnection
	if req.Provider != "" {
		conn, err := models.GetPosConnection(ctx, req.RestaurantId, req.Provider)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			conns = append(conns, *conn)
		}
	} else {
		all, err := models.ListPosConnections(ctx, req.RestaurantId)
		if err != nil {
			return nil, err
		}
		for _, c := range all {
			if c.Status == models.ConnectionStatusConnected {
				conns = append(conns, c)
			}
		}
	}

	var window *SyncWindow
	if req.DateRange != nil {
		w, err := windowFromDateRange(req.DateRange)
		if err != nil {
			return nil, err
		}
		window = w
	}
	return s.runConnections(ctx, conns, models.SyncTriggeredManual, window), nil
}

// RunSingleConnection runs one connection outside the bulk path (webhook
// nudges and operator retries).
func (s *Scheduler) RunSingleConnection(ctx context.Context, conn *models.PosConnection, triggeredBy string, window *SyncWindow) ConnectionResult {
	return s.syncConnection(ctx, conn, triggeredBy, window)
}

// RunQueued executes a run row created ahead of time (retry endpoint, webhook
// nudge) and delivered through the queue. Already-finished rows are skipped,
// which makes redelivery harmless.
func (s *Scheduler) RunQueued(ctx context.Context, payload SyncQueuePayload) error {
	var run models.PosSyncRun
	if err := s.database().WithContext(ctx).
		Where("id = ? AND restaurant_id = ?", payload.RunId, payload.RestaurantId).
		Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if run.Status != models.SyncRunStatusQueued {
		return nil
	}

	var conn models.PosConnection
	if err := s.database().WithContext(ctx).
		Where("id = ? AND restaurant_id = ?", run.ConnectionId, run.RestaurantId).
		Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.ConnectionStatusConnected {
		now := time.Now()
		return s.database().WithContext(ctx).Model(&run).Updates(map[string]interface{}{
			"status":      models.SyncRunStatusFailed,
			"finished_at": now,
		}).Error
	}

	s.syncConnectionRun(ctx, &conn, run.TriggeredBy, nil, &run)
	return nil
}

// runConnections runs each connection in sequence. One connection's failure
// never aborts the batch: the result carries per-connection outcomes.
func (s *Scheduler) runConnections(ctx context.Context, conns []models.PosConnection, triggeredBy string, window *SyncWindow) *SyncResponse {
	resp := &SyncResponse{Success: true}
	for i := range conns {
		if i > 0 && s.budget.InterConnectionDelay > 0 {
			select {
			case <-ctx.Done():
				resp.Results.Errors = append(resp.Results.Errors, "run cancelled: "+ctx.Err().Error())
				return resp
			case <-time.After(s.budget.InterConnectionDelay):
			}
		}
		result := s.runConn(ctx, &conns[i], triggeredBy, window)
		resp.Connections = append(resp.Connections, result)
		resp.Results.OrdersSynced += result.OrdersSynced
		resp.Results.Errors = append(resp.Results.Errors, result.Errors...)
		if result.Failed {
			resp.Success = false
		}
	}
	return resp
}

// syncConnection is one connection's complete run: audit row, token, window,
// page loop, cursor advance, downstream trigger. Any panic or error is
// contained to this connection.
func (s *Scheduler) syncConnection(ctx context.Context, conn *models.PosConnection, triggeredBy string, override *SyncWindow) ConnectionResult {
	return s.syncConnectionRun(ctx, conn, triggeredBy, override, nil)
}

// syncConnectionRun optionally reuses a pre-created (queued) audit row instead
// of inserting a fresh one.
func (s *Scheduler) syncConnectionRun(ctx context.Context, conn *models.PosConnection, triggeredBy string, override *SyncWindow, queued *models.PosSyncRun) (result ConnectionResult) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	logger := config.GetLogger().WithFields(logrus.Fields{
		"provider":       conn.Provider,
		"restaurant_id":  conn.RestaurantId,
		"connection_id":  conn.ID,
		"triggered_by":   triggeredBy,
		"correlation_id": correlationId,
	})
	result = ConnectionResult{Provider: conn.Provider}
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("sync run panicked")
			result.Failed = true
			result.Errors = append(result.Errors, "internal error during sync")
		}
	}()

	window, nextCursor, initialDone := s.computeWindow(conn, override)
	run := queued
	if run == nil {
		run = &models.PosSyncRun{
			RestaurantId: conn.RestaurantId,
			ConnectionId: conn.ID,
			Provider:     conn.Provider,
			TriggeredBy:  triggeredBy,
		}
	}
	run.Status = models.SyncRunStatusRunning
	run.WindowStart = &window.Start
	run.WindowEnd = &window.End
	run.StartedAt = &started
	if err := s.database().WithContext(ctx).Save(run).Error; err != nil {
		logger.WithError(err).Error("create sync run row")
		result.Failed = true
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	truncated, runErr := s.executeRun(ctx, conn, run, window, &result)
	result.Truncated = truncated

	finished := time.Now()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	run.OrdersSynced = result.OrdersSynced
	run.PagesFetched = result.PagesFetched
	run.ErrorCount = len(result.Errors)

	status, advance := runOutcome(runErr, truncated, len(result.Errors))
	run.Status = status
	if runErr != nil {
		result.Failed = true
		result.Errors = append(result.Errors, runErr.Error())
		if err := conn.RecordSyncFailure(ctx, s.database(), runErr); err != nil {
			logger.WithError(err).Error("record sync failure")
		}
	} else {
		cursor, done := nextCursor, initialDone
		if !advance {
			// Budget truncation: keep the cursor so the next run re-covers
			// this window. Upserts make the overlap idempotent.
			cursor, done = conn.SyncCursor, conn.InitialSyncDone
		}
		if err := conn.RecordSyncSuccess(ctx, s.database(), cursor, done); err != nil {
			logger.WithError(err).Error("record sync success")
		}
	}
	if err := s.database().WithContext(ctx).Save(run).Error; err != nil {
		logger.WithError(err).Error("finalize sync run row")
	}

	syncRunsTotal.WithLabelValues(conn.Provider, run.Status).Inc()
	syncRunDuration.WithLabelValues(conn.Provider).Observe(time.Since(started).Seconds())

	if runErr == nil && result.OrdersSynced > 0 && s.downstream != nil {
		s.downstream.TriggerAggregation(ctx, conn.RestaurantId, conn.Provider, result.ServiceDates)
	}

	logger.WithFields(logrus.Fields{
		"status":        run.Status,
		"orders_synced": result.OrdersSynced,
		"pages_fetched": result.PagesFetched,
		"error_count":   len(result.Errors),
		"duration_ms":   run.DurationMs,
	}).Info("sync run finished")
	return result
}

// runOutcome maps a finished run to its audit status and whether the cursor
// may advance past the window it covered.
func runOutcome(runErr error, truncated bool, errorCount int) (string, bool) {
	switch {
	case runErr != nil:
		return models.SyncRunStatusFailed, false
	case truncated:
		// Budget ran out with provider data still unfetched; the same
		// window must be re-run.
		return models.SyncRunStatusPartial, false
	case errorCount > 0:
		// Skipped orders don't stall the backfill: the cursor still advances.
		return models.SyncRunStatusPartial, true
	default:
		return models.SyncRunStatusSuccess, true
	}
}

// executeRun is the token + page loop. The returned error is connection-fatal;
// per-order problems are recorded on the run and swallowed. truncated reports
// that a budget stopped the run with provider data remaining in the window.
func (s *Scheduler) executeRun(ctx context.Context, conn *models.PosConnection, run *models.PosSyncRun, window SyncWindow, result *ConnectionResult) (truncated bool, runErr error) {
	fetcher := s.newFetcher(conn.Provider)
	if fetcher == nil {
		return false, errors.New("unsupported provider: " + conn.Provider)
	}

	token, err := s.tokens.EnsureValidToken(ctx, conn, false)
	if err != nil {
		return false, err
	}

	page := PageToken{}
	refreshed := false
	for result.PagesFetched < s.budget.MaxPagesPerRun {
		pageResult, err := fetcher.FetchOrders(ctx, conn, token, window, page)
		if err != nil {
			// One forced refresh per run on a 401; a second 401 is fatal.
			if IsUnauthorized(err) && !refreshed {
				refreshed = true
				token, err = s.tokens.EnsureValidToken(ctx, conn, true)
				if err != nil {
					return false, err
				}
				continue
			}
			return false, err
		}
		result.PagesFetched++

		for i := 0; i < len(pageResult.Orders); i++ {
			if result.OrdersSynced >= s.budget.MaxOrdersPerRun {
				// Order budget hit mid-page; the remainder of the window
				// stays for the next run.
				return true, nil
			}
			raw := &pageResult.Orders[i]
			if err := s.processOrder(ctx, conn, fetcher, token, raw, run, result); err != nil {
				// The shared forced refresh also covers a token dying
				// mid-page on the payments call.
				if IsUnauthorized(err) && !refreshed {
					refreshed = true
					token, err = s.tokens.EnsureValidToken(ctx, conn, true)
					if err != nil {
						return false, err
					}
					i--
					continue
				}
				// Connection-fatal (auth/db); everything per-order was
				// already downgraded inside processOrder.
				return false, err
			}
		}

		if !pageResult.HasMore {
			return false, nil
		}
		page = pageResult.Next
	}
	// Page budget exhausted while the provider reported more data.
	return true, nil
}

// processOrder fetches payments, normalizes and persists one order. Data
// problems are recorded and skipped; only infrastructure failures propagate.
func (s *Scheduler) processOrder(ctx context.Context, conn *models.PosConnection, fetcher ProviderFetcher, token string, raw *RawOrder, run *models.PosSyncRun, result *ConnectionResult) error {
	payments, err := fetcher.FetchPayments(ctx, conn, token, raw)
	if err != nil {
		if IsUnauthorized(err) || IsTransient(err) {
			return err
		}
		s.recordOrderError(ctx, conn, run, raw, "fetch_payments", err)
		result.Errors = append(result.Errors, err.Error())
		return nil
	}

	restaurant, err := models.GetRestaurantById(ctx, conn.RestaurantId)
	if err != nil {
		return err
	}
	loc := restaurant.Location()

	normalized, err := NormalizeOrder(raw, payments, conn, loc)
	if err != nil {
		s.recordOrderError(ctx, conn, run, raw, "normalize", err)
		result.Errors = append(result.Errors, err.Error())
		ordersSkippedTotal.WithLabelValues(conn.Provider).Inc()
		return nil
	}

	if err := models.UpsertPosOrder(ctx, s.database(), &normalized.Order); err != nil {
		return err
	}
	if err := models.ReplacePosLineItems(ctx, s.database(), conn.RestaurantId, normalized.Order.ID, normalized.LineItems); err != nil {
		return err
	}
	if err := models.UpsertPosAdjustments(ctx, s.database(), normalized.Adjustments); err != nil {
		return err
	}

	result.OrdersSynced++
	result.ServiceDates = appendDistinct(result.ServiceDates, normalized.Order.ServiceDate)
	ordersSyncedTotal.WithLabelValues(conn.Provider).Inc()
	return nil
}

// A run touches at most a handful of service dates; a linear scan is fine.
func appendDistinct(dates []string, date string) []string {
	for _, d := range dates {
		if d == date {
			return dates
		}
	}
	return append(dates, date)
}

func (s *Scheduler) recordOrderError(ctx context.Context, conn *models.PosConnection, run *models.PosSyncRun, raw *RawOrder, stage string, cause error) {
	retryable := IsTransient(cause)
	if err := models.CreatePosSyncError(ctx, s.database(), run.ID, conn.RestaurantId,
		"order", raw.ExternalId, stage, cause.Error(), raw.Payload, retryable); err != nil {
		config.GetLogger().WithError(err).Error("record sync error row")
	}
}

// computeWindow picks the run's provider-time interval and the post-success
// cursor state. Backfill walks back from now in fixed day batches until the
// cursor reaches target_days; after that the window is a fixed short lookback.
func (s *Scheduler) computeWindow(conn *models.PosConnection, override *SyncWindow) (SyncWindow, int, bool) {
	targetDays := conn.TargetDays
	if targetDays <= 0 {
		targetDays = s.budget.TargetDaysDefault
	}

	if override != nil {
		// Explicit ranges don't move the cursor.
		return *override, conn.SyncCursor, conn.InitialSyncDone
	}

	now := time.Now().UTC()
	if conn.InitialSyncDone {
		return SyncWindow{Start: now.Add(-s.budget.IncrementalLookback), End: now}, conn.SyncCursor, true
	}

	batch := s.budget.BackfillBatchDays
	end := now.AddDate(0, 0, -conn.SyncCursor)
	start := now.AddDate(0, 0, -(conn.SyncCursor + batch))
	nextCursor := conn.SyncCursor + batch
	return SyncWindow{Start: start, End: end}, nextCursor, nextCursor >= targetDays
}

func windowFromDateRange(dr *DateRange) (*SyncWindow, error) {
	start, err := utils.ParseDateOnly(dr.StartDate)
	if err != nil {
		return nil, errors.New("invalid startDate, expected YYYY-MM-DD")
	}
	end, err := utils.ParseDateOnly(dr.EndDate)
	if err != nil {
		return nil, errors.New("invalid endDate, expected YYYY-MM-DD")
	}
	// End of the requested day, inclusive.
	endOfDay := end.AddDate(0, 0, 1)
	if !start.Before(endOfDay) {
		return nil, errors.New("startDate must not be after endDate")
	}
	return &SyncWindow{Start: start, End: endOfDay}, nil
}
