package main

import (
	"context"
	"errors"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	// ResumePublish unblocks an ordering key after a failed publish.
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// topicCache keeps one publisher per topic for the life of the relay.
type topicCache struct {
	mu    sync.Mutex
	build func(topic string) publisher
	byID  map[string]publisher
}

func newTopicCache(build func(topic string) publisher) *topicCache {
	return &topicCache{build: build, byID: map[string]publisher{}}
}

func (c *topicCache) get(topic string) publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pub, ok := c.byID[topic]; ok {
		return pub
	}
	pub := c.build(topic)
	if pub != nil {
		c.byID[topic] = pub
	}
	return pub
}

// stop flushes outstanding messages on every cached publisher.
func (c *topicCache) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, pub := range c.byID {
		pub.Stop()
		delete(c.byID, topic)
	}
}

func wrapGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return gcpPublisher{p: p}
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	res := g.p.Publish(ctx, msg)
	if res == nil {
		return nil
	}
	return gcpResult{res: res}
}

func (g gcpPublisher) ResumePublish(orderingKey string) {
	g.p.ResumePublish(orderingKey)
}

func (g gcpPublisher) Stop() {
	g.p.Stop()
}

type gcpResult struct {
	res *gcppubsub.PublishResult
}

func (r gcpResult) Get(ctx context.Context) (string, error) {
	if r.res == nil {
		return "", errors.New("publish result is nil")
	}
	return r.res.Get(ctx)
}
