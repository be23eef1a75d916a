// Package stream fans engine events out to websocket clients, across API
// instances when Redis is configured.
package stream

import (
	"context"
	"strings"
	"sync"

	"backend-trackmates/internal/events"
	"backend-trackmates/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	channelPrefix = "trackmates:"
	channelSuffix = ":events"
	clientBuffer  = 64
)

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	log     zerolog.Logger
	cancel  context.CancelFunc
}

type Client struct {
	UserID string
	Send   chan []byte
}

// NewHub returns a hub. With a Redis client, broadcasts go through Redis
// pub/sub so every instance delivers them; without one, or when the
// subscription cannot be established, delivery is local.
func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		clients: map[string]map[*Client]struct{}{},
		log:     logging.Component("stream"),
	}
	if redisClient == nil {
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := redisClient.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Warn().Err(err).Msg("redis subscribe failed, delivering locally")
		_ = pubsub.Close()
		cancel()
		return h
	}
	h.redis, h.pubsub, h.cancel = redisClient, pubsub, cancel
	go h.subscribeRedis()
	return h
}

func (h *Hub) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.pubsub != nil {
		return h.pubsub.Close()
	}
	return nil
}

func (h *Hub) Register(userID string) *Client {
	client := &Client{
		UserID: userID,
		Send:   make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := userClients[client]; !ok {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

func (h *Hub) Broadcast(userID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(userID), payload).Err()
		if err == nil {
			return
		}
		h.log.Warn().Err(err).Str("user", userID).Msg("redis publish failed, delivering locally")
	}
	h.deliver(userID, payload)
}

// deliver drops the payload for clients whose buffer is full.
func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

// Forward encodes every event from sub and broadcasts it to the clients of
// userOf(), until sub closes or ctx is done. Events with no user are dropped.
func (h *Hub) Forward(ctx context.Context, sub <-chan events.Event, userOf func() string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			userID := userOf()
			if userID == "" {
				continue
			}
			payload, err := events.Encode(ev)
			if err != nil {
				h.log.Warn().Err(err).Str("kind", string(ev.Kind())).Msg("dropping invalid event")
				continue
			}
			h.Broadcast(userID, payload)
		}
	}
}

func (h *Hub) subscribeRedis() {
	for msg := range h.pubsub.Channel() {
		userID := userIDFromChannel(msg.Channel)
		if userID == "" {
			continue
		}
		h.deliver(userID, []byte(msg.Payload))
	}
}

func redisChannel(userID string) string {
	return channelPrefix + userID + channelSuffix
}

func userIDFromChannel(ch string) string {
	// trackmates:{user}:events
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
