package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
)

const defaultHubBuffer = 16

// Message is a rendered notice addressed to one platform account.
type Message struct {
	Platform   accounts.Platform
	PlatformID int64
	Kind       accounts.NoticeKind
	Text       string
	Timestamp  time.Time
}

// Hub fans notices out to in-process subscribers keyed by platform account.
// Slow subscribers drop messages rather than block the publisher.
type Hub struct {
	renderer *Renderer

	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	stream chan Message
}

// NewHub constructs an empty hub. A nil renderer leaves Message.Text empty.
func NewHub(renderer *Renderer) *Hub {
	return &Hub{
		renderer:    renderer,
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  defaultHubBuffer,
	}
}

func hubKey(platform accounts.Platform, platformID int64) string {
	return string(platform) + ":" + strconv.FormatInt(platformID, 10)
}

// Subscribe streams messages for one platform account until ctx ends or the
// returned cleanup runs.
func (h *Hub) Subscribe(ctx context.Context, platform accounts.Platform, platformID int64) (<-chan Message, func()) {
	if platform == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	key := hubKey(platform, platformID)
	subscriber := &hubSubscriber{stream: make(chan Message, h.bufferSize)}
	h.register(key, subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Notify publishes notice to the subscribers of link. It never fails.
func (h *Hub) Notify(_ context.Context, link accounts.PlatformLink, notice accounts.Notice) error {
	message := Message{
		Platform:   link.PlatformName,
		PlatformID: link.PlatformID,
		Kind:       notice.Kind,
		Timestamp:  notice.DeletedAt,
	}
	if h.renderer != nil {
		message.Text = h.renderer.Render(notice)
	}
	h.Publish(message)
	return nil
}

// Publish delivers message to every current subscriber of its platform account.
func (h *Hub) Publish(message Message) {
	if message.Platform == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[hubKey(message.Platform, message.PlatformID)]
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (h *Hub) register(key string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	subscriber.id = h.nextID
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[key][subscriber.id] = subscriber
}

func (h *Hub) unregister(key string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[key]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, key)
	}
}
