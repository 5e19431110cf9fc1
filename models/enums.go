package models

const (
	PosProviderClover = "clover"
	PosProviderToast  = "toast"
	PosProviderSquare = "square"
	PosProviderShift4 = "shift4"
)

// AllPosProviders lists every provider the sync engine knows how to talk to.
var AllPosProviders = []string{
	PosProviderClover,
	PosProviderToast,
	PosProviderSquare,
	PosProviderShift4,
}

func IsValidPosProvider(provider string) bool {
	for _, p := range AllPosProviders {
		if p == provider {
			return true
		}
	}
	return false
}

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "api_key"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredWebhook  = "webhook"
	SyncTriggeredRetry    = "retry"
)

// Adjustment item types. One row per non-revenue monetary fact on an order.
const (
	AdjustmentTypeTax           = "tax"
	AdjustmentTypeTip           = "tip"
	AdjustmentTypeServiceCharge = "service_charge"
	AdjustmentTypeDiscount      = "discount"
)

const (
	UserRoleAdmin = "admin"
	UserRoleOwner = "owner"
	UserRoleStaff = "staff"
)
