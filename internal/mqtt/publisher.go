package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/notify"
)

// Publisher forwards change events to per-entity topics. Its Handle method is a
// notify.Handler; a failed publish is returned so the notifier retries it.
type Publisher struct {
	client Client
	prefix string
}

// NewPublisher creates a Publisher writing under prefix
func NewPublisher(c Client, prefix string) *Publisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{client: c, prefix: prefix}
}

// Topic returns the topic for an entity id
func (p *Publisher) Topic(id int) string {
	return p.prefix + "/" + strconv.Itoa(id)
}

// Handle publishes the event envelope to the entity topic
func (p *Publisher) Handle(ctx context.Context, ev notify.Event) error {
	if ev.Record == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Envelope())
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("seq", ev.Seq).
			Build()
	}
	return p.client.Publish(ctx, p.Topic(ev.Record.ID), payload)
}
