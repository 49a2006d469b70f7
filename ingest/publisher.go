package ingest

import (
	"context"
	"encoding/json"
	"strconv"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"github.com/sirupsen/logrus"
)

// PubSubPublisher sends one event per message. Pub/Sub assigns its own message id, so the
// event id travels in the event_id attribute; the row id is the ordering key so events of
// one row arrive in publish order.
type PubSubPublisher struct {
	Topic string
}

func NewPubSubPublisher(topic string) *PubSubPublisher {
	if topic == "" {
		topic = config.EventTopicName()
	}
	return &PubSubPublisher{Topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"event_id": ev.EventId,
		"trace_id": ev.TraceId,
		"sheet_id": strconv.FormatInt(ev.SheetId, 10),
	}
	msgId, err := config.PublishMessage(ctx, p.Topic, data, attrs, strconv.FormatInt(ev.RowId, 10))
	if err != nil {
		return err
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":      "ingest",
		"trace_id":   ev.TraceId,
		"event_id":   ev.EventId,
		"message_id": msgId,
	}).Debug("event published")
	return nil
}
