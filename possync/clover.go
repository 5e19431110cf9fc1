package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// Clover v3 merchant API. Millisecond epoch time filters, limit/offset
// pagination, all amounts in cents. Payments are a separate per-order call.
type cloverFetcher struct {
	client *providerClient
}

func newCloverFetcher() *cloverFetcher {
	return &cloverFetcher{client: newProviderClient(models.PosProviderClover)}
}

func (f *cloverFetcher) Provider() string { return models.PosProviderClover }

func (f *cloverFetcher) baseURL(conn *models.PosConnection) string {
	if conn.Environment == "sandbox" {
		return utils.EnvString("CLOVER_SANDBOX_API_BASE", "https://apisandbox.dev.clover.com")
	}
	return utils.EnvString("CLOVER_API_BASE", "https://api.clover.com")
}

type cloverOrderList struct {
	Elements []cloverOrder `json:"elements"`
}

type cloverOrder struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	CreatedTime int64  `json:"createdTime"`
	ClientCreatedTime int64 `json:"clientCreatedTime"`
	ModifiedTime int64 `json:"modifiedTime"`
	Total       int64  `json:"total"`
	TaxRemoved  bool   `json:"taxRemoved"`
	LineItems   struct {
		Elements []cloverLineItem `json:"elements"`
	} `json:"lineItems"`
	Discounts struct {
		Elements []cloverDiscount `json:"elements"`
	} `json:"discounts"`
	ServiceCharge *cloverServiceCharge `json:"serviceCharge"`
}

type cloverLineItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	UnitQty   *int64 `json:"unitQty"`
	Refunded  bool   `json:"refunded"`
	Exchanged bool   `json:"exchanged"`
	Discounts struct {
		Elements []cloverDiscount `json:"elements"`
	} `json:"discounts"`
}

type cloverDiscount struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Amount     int64  `json:"amount"`
	Percentage int64  `json:"percentage"`
}

type cloverServiceCharge struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type cloverPaymentList struct {
	Elements []cloverPayment `json:"elements"`
}

type cloverPayment struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	TaxAmount *int64 `json:"taxAmount"`
	TipAmount *int64 `json:"tipAmount"`
	Result    string `json:"result"`
}

func (f *cloverFetcher) FetchOrders(ctx context.Context, conn *models.PosConnection, token string, window SyncWindow, page PageToken) (*PageResult, error) {
	query := url.Values{}
	// Two filter params AND together on Clover's side.
	query.Add("filter", fmt.Sprintf("createdTime>=%d", window.Start.UnixMilli()))
	query.Add("filter", fmt.Sprintf("createdTime<=%d", window.End.UnixMilli()))
	query.Set("expand", "lineItems,lineItems.discounts,discounts,serviceCharge")
	query.Set("limit", strconv.Itoa(defaultPageSize))
	query.Set("offset", strconv.Itoa(page.Offset))

	var list cloverOrderList
	err := f.client.doJSON(ctx, apiRequest{
		Method:  "GET",
		URL:     fmt.Sprintf("%s/v3/merchants/%s/orders", f.baseURL(conn), conn.MerchantId),
		Query:   query,
		Headers: map[string]string{"Authorization": "Bearer " + token},
	}, &list)
	if err != nil {
		return nil, err
	}

	orders := make([]RawOrder, 0, len(list.Elements))
	for _, o := range list.Elements {
		orders = append(orders, f.mapOrder(o))
	}
	return &PageResult{
		Orders:  orders,
		HasMore: len(list.Elements) == defaultPageSize,
		Next:    PageToken{Offset: page.Offset + len(list.Elements)},
	}, nil
}

func (f *cloverFetcher) mapOrder(o cloverOrder) RawOrder {
	payload, _ := json.Marshal(o)
	raw := RawOrder{
		ExternalId: o.ID,
		State:      o.State,
		CreatedAt:  time.UnixMilli(o.CreatedTime).UTC(),
		Total:      centsToDecimal(o.Total),
		TaxRemoved: o.TaxRemoved,
		Payload:    payload,
	}
	if o.ModifiedTime > 0 && o.State == "locked" {
		closed := time.UnixMilli(o.ModifiedTime).UTC()
		raw.ClosedAt = &closed
	}
	for _, li := range o.LineItems.Elements {
		qty := decimal.NewFromInt(1)
		if li.UnitQty != nil {
			// unitQty is thousandths for per-unit items.
			qty = decimal.New(*li.UnitQty, -3)
		}
		liPayload, _ := json.Marshal(li)
		raw.LineItems = append(raw.LineItems, RawLineItem{
			ExternalId: li.ID,
			Name:       li.Name,
			Quantity:   qty,
			UnitPrice:  centsToDecimal(li.Price),
			Revenue:    !li.Refunded && !li.Exchanged,
			Payload:    liPayload,
		})
		for _, d := range li.Discounts.Elements {
			raw.Discounts = append(raw.Discounts, RawDiscount{
				ExternalId:   d.ID,
				Name:         d.Name,
				Amount:       centsToDecimal(d.Amount),
				LineItemId:   li.ID,
				LineItemName: li.Name,
			})
		}
	}
	for _, d := range o.Discounts.Elements {
		raw.Discounts = append(raw.Discounts, RawDiscount{
			ExternalId: d.ID,
			Name:       d.Name,
			Amount:     centsToDecimal(d.Amount),
		})
	}
	if o.ServiceCharge != nil && o.ServiceCharge.Amount != 0 {
		raw.ServiceCharges = append(raw.ServiceCharges, RawServiceCharge{
			ExternalId: o.ServiceCharge.ID,
			Name:       o.ServiceCharge.Name,
			Amount:     centsToDecimal(o.ServiceCharge.Amount),
		})
	}
	return raw
}

func (f *cloverFetcher) FetchPayments(ctx context.Context, conn *models.PosConnection, token string, order *RawOrder) ([]RawPayment, error) {
	var list cloverPaymentList
	err := f.client.doJSON(ctx, apiRequest{
		Method:  "GET",
		URL:     fmt.Sprintf("%s/v3/merchants/%s/orders/%s/payments", f.baseURL(conn), conn.MerchantId, order.ExternalId),
		Headers: map[string]string{"Authorization": "Bearer " + token},
	}, &list)
	if err != nil {
		return nil, err
	}
	payments := make([]RawPayment, 0, len(list.Elements))
	for _, p := range list.Elements {
		payload, _ := json.Marshal(p)
		rp := RawPayment{
			ExternalId: p.ID,
			Amount:     centsToDecimal(p.Amount),
			Payload:    payload,
		}
		if p.TaxAmount != nil {
			rp.HasTax = true
			rp.TaxAmount = centsToDecimal(*p.TaxAmount)
		}
		if p.TipAmount != nil {
			rp.TipAmount = centsToDecimal(*p.TipAmount)
		}
		payments = append(payments, rp)
	}
	return payments, nil
}
