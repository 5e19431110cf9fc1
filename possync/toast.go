package possync

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// Toast ordersBulk API. ISO-8601 date filters, page/pageSize pagination,
// amounts already in dollars. Payments ride inside each check, and Toast
// reports no payment-level tax, so normalization always derives tax for this
// provider.
type toastFetcher struct {
	client *providerClient
}

func newToastFetcher() *toastFetcher {
	return &toastFetcher{client: newProviderClient(models.PosProviderToast)}
}

func (f *toastFetcher) Provider() string { return models.PosProviderToast }

func (f *toastFetcher) baseURL() string {
	return utils.EnvString("TOAST_API_BASE", "https://ws-api.toasttab.com")
}

type toastOrder struct {
	GUID       string       `json:"guid"`
	OpenedDate string       `json:"openedDate"`
	ClosedDate string       `json:"closedDate"`
	Voided     bool         `json:"voided"`
	Checks     []toastCheck `json:"checks"`
}

type toastCheck struct {
	GUID           string  `json:"guid"`
	TotalAmount    float64 `json:"totalAmount"`
	Voided         bool    `json:"voided"`
	Selections     []toastSelection `json:"selections"`
	AppliedDiscounts []toastDiscount `json:"appliedDiscounts"`
	AppliedServiceCharges []toastServiceCharge `json:"appliedServiceCharges"`
	Payments       []toastPayment `json:"payments"`
}

type toastSelection struct {
	GUID        string  `json:"guid"`
	DisplayName string  `json:"displayName"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Voided      bool    `json:"voided"`
	AppliedDiscounts []toastDiscount `json:"appliedDiscounts"`
}

type toastDiscount struct {
	GUID           string  `json:"guid"`
	Name           string  `json:"name"`
	DiscountAmount float64 `json:"discountAmount"`
}

type toastServiceCharge struct {
	GUID         string  `json:"guid"`
	Name         string  `json:"name"`
	ChargeAmount float64 `json:"chargeAmount"`
}

type toastPayment struct {
	GUID      string  `json:"guid"`
	Amount    float64 `json:"amount"`
	TipAmount float64 `json:"tipAmount"`
}

func (f *toastFetcher) FetchOrders(ctx context.Context, conn *models.PosConnection, token string, window SyncWindow, page PageToken) (*PageResult, error) {
	pageNum := page.Page
	if pageNum < 1 {
		pageNum = 1
	}
	var list []toastOrder
	err := f.client.doJSON(ctx, apiRequest{
		Method: "GET",
		URL:    f.baseURL() + "/orders/v2/ordersBulk",
		Query: map[string][]string{
			"startDate": {window.Start.UTC().Format(time.RFC3339)},
			"endDate":   {window.End.UTC().Format(time.RFC3339)},
			"page":      {strconv.Itoa(pageNum)},
			"pageSize":  {strconv.Itoa(defaultPageSize)},
		},
		Headers: map[string]string{
			"Authorization":                "Bearer " + token,
			"Toast-Restaurant-External-ID": conn.MerchantId,
		},
	}, &list)
	if err != nil {
		return nil, err
	}

	orders := make([]RawOrder, 0, len(list))
	for _, o := range list {
		orders = append(orders, f.mapOrder(o))
	}
	return &PageResult{
		Orders:  orders,
		HasMore: len(list) == defaultPageSize,
		Next:    PageToken{Page: pageNum + 1},
	}, nil
}

func (f *toastFetcher) mapOrder(o toastOrder) RawOrder {
	payload, _ := json.Marshal(o)
	raw := RawOrder{
		ExternalId: o.GUID,
		State:      "closed",
		Payload:    payload,
	}
	if o.Voided {
		raw.State = "voided"
	}
	if t, err := time.Parse(time.RFC3339, o.OpenedDate); err == nil {
		raw.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, o.ClosedDate); err == nil {
		closed := t.UTC()
		raw.ClosedAt = &closed
	}

	total := decimal.Zero
	for _, check := range o.Checks {
		total = total.Add(decimal.NewFromFloat(check.TotalAmount))
		for _, sel := range check.Selections {
			qty := decimal.NewFromFloat(sel.Quantity)
			price := decimal.NewFromFloat(sel.Price)
			unit := price
			if !qty.IsZero() {
				unit = price.Div(qty).Round(4)
			}
			selPayload, _ := json.Marshal(sel)
			raw.LineItems = append(raw.LineItems, RawLineItem{
				ExternalId: sel.GUID,
				Name:       sel.DisplayName,
				Quantity:   qty,
				UnitPrice:  unit,
				Revenue:    !sel.Voided && !check.Voided && !o.Voided,
				Payload:    selPayload,
			})
			for _, d := range sel.AppliedDiscounts {
				raw.Discounts = append(raw.Discounts, RawDiscount{
					ExternalId:   d.GUID,
					Name:         d.Name,
					Amount:       decimal.NewFromFloat(d.DiscountAmount),
					LineItemId:   sel.GUID,
					LineItemName: sel.DisplayName,
				})
			}
		}
		for _, d := range check.AppliedDiscounts {
			raw.Discounts = append(raw.Discounts, RawDiscount{
				ExternalId: d.GUID,
				Name:       d.Name,
				Amount:     decimal.NewFromFloat(d.DiscountAmount),
			})
		}
		for _, sc := range check.AppliedServiceCharges {
			raw.ServiceCharges = append(raw.ServiceCharges, RawServiceCharge{
				ExternalId: sc.GUID,
				Name:       sc.Name,
				Amount:     decimal.NewFromFloat(sc.ChargeAmount),
			})
		}
	}
	raw.Total = total
	return raw
}

// FetchPayments decodes the payments already embedded in the order payload.
func (f *toastFetcher) FetchPayments(_ context.Context, _ *models.PosConnection, _ string, order *RawOrder) ([]RawPayment, error) {
	var o toastOrder
	if err := json.Unmarshal(order.Payload, &o); err != nil {
		return nil, &ProviderDataError{Provider: models.PosProviderToast, ExternalId: order.ExternalId, Reason: "payload not a toast order"}
	}
	var payments []RawPayment
	for _, check := range o.Checks {
		for _, p := range check.Payments {
			payload, _ := json.Marshal(p)
			payments = append(payments, RawPayment{
				ExternalId: p.GUID,
				Amount:     decimal.NewFromFloat(p.Amount),
				TipAmount:  decimal.NewFromFloat(p.TipAmount),
				Payload:    payload,
			})
		}
	}
	return payments, nil
}
