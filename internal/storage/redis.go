package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBridge relays document updates and awareness deltas between server
// instances via Redis pub/sub, so several servers can host members of the
// same room. It carries live traffic only; durability stays with the Store.
type RedisBridge struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	serverID      string
	channelPrefix string

	handlersMu sync.RWMutex
	handlers   map[string]func(*BridgeEvent)

	pubsubsMu sync.Mutex
	pubsubs   map[string]*redis.PubSub
}

// BridgeEvent is one relayed message.
type BridgeEvent struct {
	ServerID   string `json:"serverId"`
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"` // "update" or "awareness"
	Payload    []byte `json:"payload"`
}

// RedisBridgeConfig holds Redis connection configuration.
type RedisBridgeConfig struct {
	URL           string
	ServerID      string
	ChannelPrefix string
}

// NewRedisBridge creates a bridge; Connect must be called before use.
func NewRedisBridge(config *RedisBridgeConfig) (*RedisBridge, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	prefix := config.ChannelPrefix
	if prefix == "" {
		prefix = "coscribe"
	}

	return &RedisBridge{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		serverID:      config.ServerID,
		channelPrefix: prefix,
		handlers:      make(map[string]func(*BridgeEvent)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect establishes both Redis connections.
func (b *RedisBridge) Connect(ctx context.Context) error {
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		return NewConnectionError("failed to connect Redis publisher", err)
	}
	if err := b.subscriber.Ping(ctx).Err(); err != nil {
		return NewConnectionError("failed to connect Redis subscriber", err)
	}
	return nil
}

// Close shuts down subscriptions and both connections.
func (b *RedisBridge) Close(ctx context.Context) error {
	b.pubsubsMu.Lock()
	for channel, ps := range b.pubsubs {
		ps.Close()
		delete(b.pubsubs, channel)
	}
	b.pubsubsMu.Unlock()

	b.publisher.Close()
	b.subscriber.Close()
	return nil
}

// Publish relays an update or awareness payload for a document to the other
// server instances.
func (b *RedisBridge) Publish(ctx context.Context, documentID, kind string, payload []byte) error {
	event := BridgeEvent{
		ServerID:   b.serverID,
		DocumentID: documentID,
		Kind:       kind,
		Payload:    payload,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}
	return b.publisher.Publish(ctx, b.documentChannel(documentID), raw).Err()
}

// Subscribe registers the handler for a document's relayed traffic. Events
// published by this same server are filtered out.
func (b *RedisBridge) Subscribe(ctx context.Context, documentID string, handler func(*BridgeEvent)) error {
	channel := b.documentChannel(documentID)

	b.handlersMu.Lock()
	b.handlers[channel] = handler
	b.handlersMu.Unlock()

	b.pubsubsMu.Lock()
	defer b.pubsubsMu.Unlock()
	if _, ok := b.pubsubs[channel]; ok {
		return nil
	}

	pubsub := b.subscriber.Subscribe(ctx, channel)
	b.pubsubs[channel] = pubsub
	go b.handleMessages(channel, pubsub)
	return nil
}

// Unsubscribe stops relaying a document's traffic to this server.
func (b *RedisBridge) Unsubscribe(ctx context.Context, documentID string) error {
	channel := b.documentChannel(documentID)

	b.handlersMu.Lock()
	delete(b.handlers, channel)
	b.handlersMu.Unlock()

	b.pubsubsMu.Lock()
	defer b.pubsubsMu.Unlock()
	if ps, ok := b.pubsubs[channel]; ok {
		ps.Unsubscribe(ctx, channel)
		ps.Close()
		delete(b.pubsubs, channel)
	}
	return nil
}

func (b *RedisBridge) handleMessages(channel string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var event BridgeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		if event.ServerID == b.serverID {
			continue
		}

		b.handlersMu.RLock()
		handler := b.handlers[channel]
		b.handlersMu.RUnlock()
		if handler != nil {
			handler(&event)
		}
	}
}

func (b *RedisBridge) documentChannel(documentID string) string {
	return fmt.Sprintf("%s:doc:%s", b.channelPrefix, documentID)
}
