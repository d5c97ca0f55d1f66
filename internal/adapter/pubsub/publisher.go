package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"
	infrapubsub "github.com/webitel/rt-gateway-service/infra/pubsub"
)

type PublisherProvider struct {
	provider *infrapubsub.Provider
}

func NewPublisherProvider(p *infrapubsub.Provider) *PublisherProvider {
	return &PublisherProvider{provider: p}
}

func (pp *PublisherProvider) Build(exchange string) (message.Publisher, error) {
	return pp.provider.BuildPublisher(exchange)
}

type SubscriberProvider struct {
	provider *infrapubsub.Provider
}

func NewSubscriberProvider(p *infrapubsub.Provider) *SubscriberProvider {
	return &SubscriberProvider{provider: p}
}

func (sp *SubscriberProvider) Build(queue, exchange string) (message.Subscriber, error) {
	return sp.provider.BuildSubscriber(queue, exchange)
}
