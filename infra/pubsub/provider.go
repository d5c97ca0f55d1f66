package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Provider builds AMQP publishers and subscribers bound to topic
// exchanges. Every broker-facing piece of the service goes through it so
// the topology conventions (durable topic exchange, routing-key binding)
// stay in one place.
type Provider struct {
	url    string
	logger watermill.LoggerAdapter
}

func NewProvider(url string, logger watermill.LoggerAdapter) *Provider {
	return &Provider{url: url, logger: logger}
}

// BuildPublisher returns a publisher that writes to the named topic
// exchange. The watermill topic argument becomes the routing key.
func (p *Provider) BuildPublisher(exchange string) (message.Publisher, error) {
	cfg := p.topicConfig(exchange, "")
	pub, err := amqp.NewPublisher(cfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher %q: %w", exchange, err)
	}
	return pub, nil
}

// BuildSubscriber returns a subscriber consuming from a durable queue
// bound to the exchange. The routing-key pattern comes in as the
// watermill topic at Subscribe time.
func (p *Provider) BuildSubscriber(queue, exchange string) (message.Subscriber, error) {
	cfg := p.topicConfig(exchange, queue)
	sub, err := amqp.NewSubscriber(cfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp subscriber %q: %w", queue, err)
	}
	return sub, nil
}

func (p *Provider) topicConfig(exchange, queue string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(p.url, amqp.GenerateQueueNameConstant(queue))

	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = "topic"
	cfg.Exchange.Durable = true

	// Routing keys carry the addressing; watermill's topic maps 1:1.
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }

	return cfg
}
