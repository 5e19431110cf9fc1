package config

import (
	"os"
	"strings"
)

// BulkSyncLockEnabled toggles the best-effort redis lock around bulk sync runs.
// Writes stay idempotent either way; the lock only suppresses duplicate API
// calls when two cron triggers land at once.
//
// Set via env:
// - BULK_SYNC_LOCK=false to disable
func BulkSyncLockEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BULK_SYNC_LOCK")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// DownstreamTriggersEnabled gates the unified-sales / daily P&L aggregation
// publishes after a sync batch. Useful to silence downstream while backfilling
// a brand-new environment.
//
// Set via env:
// - DOWNSTREAM_TRIGGERS=false to disable
func DownstreamTriggersEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DOWNSTREAM_TRIGGERS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
