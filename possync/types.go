package possync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// RawOrder is the canonical intermediate every provider adapter maps its own
// payload shape into. Amounts are major currency units (dollars, not cents);
// adapters own the minor-unit conversion for providers that report cents.
// The original payload rides along untyped for audit.
type RawOrder struct {
	ExternalId string
	State      string
	CreatedAt  time.Time
	ClosedAt   *time.Time

	// Provider-reported nominal order total.
	Total decimal.Decimal
	// Provider-level "tax removed" flag; forces derived tax to zero.
	TaxRemoved bool

	LineItems      []RawLineItem
	Discounts      []RawDiscount
	ServiceCharges []RawServiceCharge

	Payload json.RawMessage
}

type RawLineItem struct {
	ExternalId string
	Name       string
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	// Revenue-bearing: false for voided/refunded/exchanged rows.
	Revenue bool

	Payload json.RawMessage
}

// RawDiscount is always a positive magnitude; normalization negates it.
type RawDiscount struct {
	ExternalId string
	Name       string
	Amount     decimal.Decimal
	// Set when the discount is attached to a specific line item.
	LineItemId   string
	LineItemName string
}

type RawServiceCharge struct {
	ExternalId string
	Name       string
	Amount     decimal.Decimal
}

type RawPayment struct {
	ExternalId string
	Amount     decimal.Decimal
	// HasTax marks payment-level tax as authoritative for this payment.
	HasTax    bool
	TaxAmount decimal.Decimal
	TipAmount decimal.Decimal

	Payload json.RawMessage
}

// SyncWindow is the half-open provider-time interval a run covers.
type SyncWindow struct {
	Start time.Time
	End   time.Time
}

// RunBudget caps one scheduler invocation: serverless CPU/time limits mean a
// run must stop cleanly and let the cursor resume the remainder next time.
type RunBudget struct {
	MaxConnections       int
	MaxOrdersPerRun      int
	MaxPagesPerRun       int
	InterConnectionDelay time.Duration

	BackfillBatchDays   int
	TargetDaysDefault   int
	IncrementalLookback time.Duration
}

// DefaultRunBudget reads deploy-time overrides from the environment.
func DefaultRunBudget() RunBudget {
	return RunBudget{
		MaxConnections:       utils.EnvInt("POS_SYNC_MAX_CONNECTIONS", 5),
		MaxOrdersPerRun:      utils.EnvInt("POS_SYNC_MAX_ORDERS", 150),
		MaxPagesPerRun:       utils.EnvInt("POS_SYNC_MAX_PAGES", 10),
		InterConnectionDelay: 2 * time.Second,
		BackfillBatchDays:    utils.EnvInt("POS_SYNC_BATCH_DAYS", 3),
		TargetDaysDefault:    utils.EnvInt("POS_SYNC_TARGET_DAYS", 90),
		IncrementalLookback:  25 * time.Hour,
	}
}

// ConnectionResult aggregates one connection's run for the trigger response.
type ConnectionResult struct {
	Provider     string `json:"provider"`
	OrdersSynced int    `json:"ordersSynced"`
	PagesFetched int    `json:"pagesFetched"`
	// Distinct service dates written during the run, for downstream fan-out.
	ServiceDates []string `json:"serviceDates,omitempty"`
	Errors       []string `json:"errors"`
	Failed       bool     `json:"failed"`
	// Truncated marks a run stopped by its budget with provider data still
	// unfetched; the cursor stays put so the window is re-covered.
	Truncated bool `json:"truncated,omitempty"`
}

type SyncResults struct {
	OrdersSynced int      `json:"ordersSynced"`
	Errors       []string `json:"errors"`
}

type SyncResponse struct {
	Success bool        `json:"success"`
	Results SyncResults `json:"results"`
	// Per-connection breakdown, useful when a restaurant has several POS
	// providers connected at once.
	Connections []ConnectionResult `json:"connections,omitempty"`
}

// Manual trigger request (POST /sync).
type SyncRequest struct {
	RestaurantId string     `json:"restaurantId"`
	Action       string     `json:"action"`
	DateRange    *DateRange `json:"dateRange"`
	Provider     string     `json:"provider"`
}

type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

const (
	ActionInitialSync = "initial_sync"
	ActionDailySync   = "daily_sync"
)

type ConnectRequest struct {
	RestaurantId string `json:"restaurantId"`
	Provider     string `json:"provider"`
	MerchantId   string `json:"merchantId"`
	Environment  string `json:"environment"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	APIKey       string `json:"apiKey"`
	TargetDays   int    `json:"targetDays"`
}

type ConnectionStatusResponse struct {
	Provider          string  `json:"provider"`
	Status            string  `json:"status"`
	MerchantId        string  `json:"merchantId"`
	SyncCursor        int     `json:"syncCursor"`
	TargetDays        int     `json:"targetDays"`
	InitialSyncDone   bool    `json:"initialSyncDone"`
	LastError         string  `json:"lastError,omitempty"`
	LastSyncAt        *string `json:"lastSyncAt"`
	LastSuccessSyncAt *string `json:"lastSuccessSyncAt"`
}

type SyncRunResponse struct {
	ID           uint    `json:"id"`
	Provider     string  `json:"provider"`
	Status       string  `json:"status"`
	TriggeredBy  string  `json:"triggeredBy"`
	StartedAt    *string `json:"startedAt"`
	FinishedAt   *string `json:"finishedAt"`
	DurationMs   int64   `json:"durationMs"`
	OrdersSynced int     `json:"ordersSynced"`
	ErrorCount   int     `json:"errorCount"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// Pub/Sub envelope for queued runs (push subscription).
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncQueuePayload struct {
	RunId        uint   `json:"run_id"`
	RestaurantId string `json:"restaurant_id"`
	ConnectionId uint   `json:"connection_id"`
}
