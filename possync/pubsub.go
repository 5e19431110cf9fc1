package possync

import (
	"context"
	"encoding/json"
	"io"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

func syncTopicName() string {
	return utils.EnvString("POS_SYNC_TOPIC", "pos-sync")
}

// PublishSyncRun queues an already-created run row for asynchronous execution.
func PublishSyncRun(ctx context.Context, runId uint, restaurantId string, connectionId uint) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topicName := syncTopicName()
	topic := client.Topic(topicName)
	if utils.EnvBool("POS_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncQueuePayload{
		RunId:        runId,
		RestaurantId: restaurantId,
		ConnectionId: connectionId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives queued runs from the push subscription. Replies
// are 204 for anything unparseable: redelivering garbage helps nobody.
func PubSubPushHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBool("ENABLE_POS_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncQueuePayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.RestaurantId == "" {
			c.Status(204)
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), payload.RestaurantId)
		if err := s.RunQueued(ctx, payload); err != nil {
			config.GetLogger().WithError(err).Error("queued sync run failed")
			// Non-2xx asks Pub/Sub to redeliver; run rows not in queued
			// state are skipped on replay.
			c.Status(500)
			return
		}
		c.Status(204)
	}
}
