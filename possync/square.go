package possync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// Square Orders API. POST search with an opaque cursor, RFC3339 closed_at
// filters, amounts in cents. Tenders ride inside the order; Square reports
// order-level total_tax_money, surfaced here as a tax-bearing payment so the
// payment-level precedence rule picks it up.
type squareFetcher struct {
	client *providerClient
}

func newSquareFetcher() *squareFetcher {
	return &squareFetcher{client: newProviderClient(models.PosProviderSquare)}
}

func (f *squareFetcher) Provider() string { return models.PosProviderSquare }

func (f *squareFetcher) baseURL(conn *models.PosConnection) string {
	if conn.Environment == "sandbox" {
		return utils.EnvString("SQUARE_SANDBOX_API_BASE", "https://connect.squareupsandbox.com")
	}
	return utils.EnvString("SQUARE_API_BASE", "https://connect.squareup.com")
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareSearchResponse struct {
	Orders []squareOrder `json:"orders"`
	Cursor string        `json:"cursor"`
}

type squareOrder struct {
	ID              string            `json:"id"`
	State           string            `json:"state"`
	CreatedAt       string            `json:"created_at"`
	ClosedAt        string            `json:"closed_at"`
	TotalMoney      *squareMoney      `json:"total_money"`
	TotalTaxMoney   *squareMoney      `json:"total_tax_money"`
	TotalTipMoney   *squareMoney      `json:"total_tip_money"`
	LineItems       []squareLineItem  `json:"line_items"`
	Discounts       []squareDiscount  `json:"discounts"`
	ServiceCharges  []squareServiceCharge `json:"service_charges"`
	Tenders         []squareTender    `json:"tenders"`
	Returns         []json.RawMessage `json:"returns"`
}

type squareLineItem struct {
	UID             string       `json:"uid"`
	Name            string       `json:"name"`
	Quantity        string       `json:"quantity"`
	BasePriceMoney  *squareMoney `json:"base_price_money"`
	TotalMoney      *squareMoney `json:"total_money"`
	ItemType        string       `json:"item_type"`
}

type squareDiscount struct {
	UID          string       `json:"uid"`
	Name         string       `json:"name"`
	AppliedMoney *squareMoney `json:"applied_money"`
}

type squareServiceCharge struct {
	UID          string       `json:"uid"`
	Name         string       `json:"name"`
	AppliedMoney *squareMoney `json:"applied_money"`
	TotalMoney   *squareMoney `json:"total_money"`
}

type squareTender struct {
	ID          string       `json:"id"`
	AmountMoney *squareMoney `json:"amount_money"`
	TipMoney    *squareMoney `json:"tip_money"`
}

type squareSearchRequest struct {
	LocationIds []string `json:"location_ids"`
	Cursor      string   `json:"cursor,omitempty"`
	Limit       int      `json:"limit"`
	Query       struct {
		Filter struct {
			StateFilter struct {
				States []string `json:"states"`
			} `json:"state_filter"`
			DateTimeFilter struct {
				ClosedAt struct {
					StartAt string `json:"start_at"`
					EndAt   string `json:"end_at"`
				} `json:"closed_at"`
			} `json:"date_time_filter"`
		} `json:"filter"`
		Sort struct {
			SortField string `json:"sort_field"`
			SortOrder string `json:"sort_order"`
		} `json:"sort"`
	} `json:"query"`
}

func (f *squareFetcher) FetchOrders(ctx context.Context, conn *models.PosConnection, token string, window SyncWindow, page PageToken) (*PageResult, error) {
	reqBody := squareSearchRequest{
		LocationIds: []string{conn.MerchantId},
		Cursor:      page.Cursor,
		Limit:       defaultPageSize,
	}
	reqBody.Query.Filter.StateFilter.States = []string{"COMPLETED"}
	reqBody.Query.Filter.DateTimeFilter.ClosedAt.StartAt = window.Start.UTC().Format(time.RFC3339)
	reqBody.Query.Filter.DateTimeFilter.ClosedAt.EndAt = window.End.UTC().Format(time.RFC3339)
	reqBody.Query.Sort.SortField = "CLOSED_AT"
	reqBody.Query.Sort.SortOrder = "ASC"
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var resp squareSearchResponse
	err = f.client.doJSON(ctx, apiRequest{
		Method: "POST",
		URL:    f.baseURL(conn) + "/v2/orders/search",
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
		},
		Body: body,
	}, &resp)
	if err != nil {
		return nil, err
	}

	orders := make([]RawOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, f.mapOrder(o))
	}
	return &PageResult{
		Orders:  orders,
		HasMore: resp.Cursor != "",
		Next:    PageToken{Cursor: resp.Cursor},
	}, nil
}

func squareAmount(m *squareMoney) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return centsToDecimal(m.Amount)
}

func (f *squareFetcher) mapOrder(o squareOrder) RawOrder {
	payload, _ := json.Marshal(o)
	raw := RawOrder{
		ExternalId: o.ID,
		State:      o.State,
		Total:      squareAmount(o.TotalMoney),
		Payload:    payload,
	}
	if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		raw.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, o.ClosedAt); err == nil {
		closed := t.UTC()
		raw.ClosedAt = &closed
	}
	for _, li := range o.LineItems {
		qty, err := decimal.NewFromString(li.Quantity)
		if err != nil || qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		liPayload, _ := json.Marshal(li)
		raw.LineItems = append(raw.LineItems, RawLineItem{
			ExternalId: li.UID,
			Name:       li.Name,
			Quantity:   qty,
			UnitPrice:  squareAmount(li.BasePriceMoney),
			Revenue:    li.ItemType != "GIFT_CARD",
			Payload:    liPayload,
		})
	}
	for _, d := range o.Discounts {
		raw.Discounts = append(raw.Discounts, RawDiscount{
			ExternalId: d.UID,
			Name:       d.Name,
			Amount:     squareAmount(d.AppliedMoney),
		})
	}
	for _, sc := range o.ServiceCharges {
		amount := sc.TotalMoney
		if amount == nil {
			amount = sc.AppliedMoney
		}
		raw.ServiceCharges = append(raw.ServiceCharges, RawServiceCharge{
			ExternalId: sc.UID,
			Name:       sc.Name,
			Amount:     squareAmount(amount),
		})
	}
	return raw
}

// FetchPayments decodes tenders from the order payload. Order-level
// total_tax_money is attached to the first tender as authoritative tax.
func (f *squareFetcher) FetchPayments(_ context.Context, _ *models.PosConnection, _ string, order *RawOrder) ([]RawPayment, error) {
	var o squareOrder
	if err := json.Unmarshal(order.Payload, &o); err != nil {
		return nil, &ProviderDataError{Provider: models.PosProviderSquare, ExternalId: order.ExternalId, Reason: "payload not a square order"}
	}
	var payments []RawPayment
	for i, t := range o.Tenders {
		payload, _ := json.Marshal(t)
		rp := RawPayment{
			ExternalId: t.ID,
			Amount:     squareAmount(t.AmountMoney),
			TipAmount:  squareAmount(t.TipMoney),
			Payload:    payload,
		}
		if i == 0 && o.TotalTaxMoney != nil {
			rp.HasTax = true
			rp.TaxAmount = squareAmount(o.TotalTaxMoney)
		}
		payments = append(payments, rp)
	}
	return payments, nil
}
