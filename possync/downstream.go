package possync

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// DownstreamTrigger nudges the aggregation procedures after a batch persists:
// one message to the provider's unified-sales topic, one to its daily-P&L
// topic. Both are best-effort; an unreachable broker never fails the run.
type DownstreamTrigger struct {
	// maxInFlight bounds outstanding publishes so a stuck broker cannot pile
	// up goroutines across runs.
	maxInFlight chan struct{}
}

func NewDownstreamTrigger() *DownstreamTrigger {
	return &DownstreamTrigger{maxInFlight: make(chan struct{}, 8)}
}

type aggregationMessage struct {
	RestaurantId string `json:"restaurant_id"`
	Provider     string `json:"provider"`
	// ServiceDate is set on per-day P&L messages; StartDate/EndDate bound
	// the unified-sales re-sync.
	ServiceDate string `json:"service_date,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	TriggeredAt string `json:"triggered_at"`
}

// TriggerAggregation fans out to the aggregation procedures: one
// unified-sales message covering the touched date range, one daily-P&L
// message per affected service date.
func (d *DownstreamTrigger) TriggerAggregation(ctx context.Context, restaurantId string, provider string, serviceDates []string) {
	if !config.DownstreamTriggersEnabled() || len(serviceDates) == 0 {
		return
	}
	dates := append([]string(nil), serviceDates...)
	sort.Strings(dates)

	d.publish(ctx, "sync_"+provider+"_to_unified_sales", aggregationMessage{
		RestaurantId: restaurantId,
		Provider:     provider,
		StartDate:    dates[0],
		EndDate:      dates[len(dates)-1],
	})
	for _, date := range dates {
		d.publish(ctx, "calculate_"+provider+"_daily_pnl", aggregationMessage{
			RestaurantId: restaurantId,
			Provider:     provider,
			ServiceDate:  date,
		})
	}
}

func (d *DownstreamTrigger) publish(ctx context.Context, topicName string, msg aggregationMessage) {
	logger := config.GetLogger().WithFields(logrus.Fields{
		"topic":         topicName,
		"provider":      msg.Provider,
		"restaurant_id": msg.RestaurantId,
	})

	client, err := config.GetClient(ctx)
	if err != nil {
		logger.WithError(err).Warn("pubsub client unavailable, skipping downstream trigger")
		return
	}

	msg.TriggeredAt = time.Now().UTC().Format(time.RFC3339)
	payload, err := utils.MarshalToJSON(msg)
	if err != nil {
		logger.WithError(err).Error("marshal downstream trigger")
		return
	}

	topic, err := config.CreateTopicIfNotExists(client, topicName)
	if err != nil {
		logger.WithError(err).Warn("downstream topic unavailable")
		return
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: []byte(payload)})
	select {
	case d.maxInFlight <- struct{}{}:
	default:
		// Fan-out budget exhausted; the publish still proceeds inside the
		// client, we just stop waiting on results.
		return
	}
	go func() {
		defer func() { <-d.maxInFlight }()
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(waitCtx); err != nil {
			logger.WithError(err).Warn("downstream trigger publish failed")
		}
	}()
}
