package possync

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
)

// Provider adapters fetch one page at a time; the scheduler owns pagination
// state and the page budget.
const defaultPageSize = 100

// PageToken carries whichever pagination scheme the provider uses. Offset for
// limit/offset APIs, Page for page-numbered APIs, Cursor for opaque cursors.
type PageToken struct {
	Offset int
	Page   int
	Cursor string
}

type PageResult struct {
	Orders  []RawOrder
	HasMore bool
	Next    PageToken
}

// ProviderFetcher maps one provider's wire format onto the canonical raw
// types. Implementations are stateless; credentials arrive per call.
type ProviderFetcher interface {
	Provider() string

	// FetchOrders returns one page of orders closed or updated inside the
	// window, with line items, discounts and service charges attached.
	FetchOrders(ctx context.Context, conn *models.PosConnection, token string, window SyncWindow, page PageToken) (*PageResult, error)

	// FetchPayments returns the order's payments. Providers that embed
	// payments in the order payload answer from memory; Clover makes a
	// follow-up request.
	FetchPayments(ctx context.Context, conn *models.PosConnection, token string, order *RawOrder) ([]RawPayment, error)
}

// NewProviderFetcher returns the adapter for a connection's provider, or nil
// for providers this build does not handle.
func NewProviderFetcher(provider string) ProviderFetcher {
	switch provider {
	case models.PosProviderClover:
		return newCloverFetcher()
	case models.PosProviderToast:
		return newToastFetcher()
	case models.PosProviderSquare:
		return newSquareFetcher()
	case models.PosProviderShift4:
		return newShift4Fetcher()
	default:
		return nil
	}
}

// centsToDecimal converts a provider minor-unit amount to major units.
// 300 cents becomes 3.00.
func centsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
