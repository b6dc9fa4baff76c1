package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/mqtt"
)

// Frame types exchanged on the event stream.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameResult      = "result"
	FrameError       = "error"
)

// Event channels. A state change is a retained state message republished
// by the bridge; a command ack is the bridge's answer to a relay command.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelCommandAck   = "device.command_ack"
)

// eventChannels lists every channel a watcher may subscribe to.
var eventChannels = []string{ChannelStateChanged, ChannelCommandAck}

// watcherQueueSize is the number of events buffered per connection before
// new ones are dropped.
const watcherQueueSize = 256

// Frame is one message on the event stream, in either direction.
//
// Events carry Channel and DeviceID; Payload is the MQTT message body as
// published by the bridge.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// inboundFrame is a Frame as read from a watcher.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription selects events. An empty Channels list on subscribe means
// every channel; an empty DeviceIDs filter means every device.
type Subscription struct {
	Channels  []string `json:"channels,omitempty"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// eventHub fans bridge events out to the connected watchers.
type eventHub struct {
	logger *logging.Logger

	mu       sync.RWMutex
	watchers map[*watcher]struct{}

	dropped atomic.Uint64
}

// watcher is one event stream connection and its filter.
type watcher struct {
	hub  *eventHub
	conn *websocket.Conn
	out  chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware already vetted the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func newEventHub(logger *logging.Logger) *eventHub {
	return &eventHub{
		logger:   logger,
		watchers: make(map[*watcher]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every watcher.
func (h *eventHub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		close(w.out)
		if w.conn != nil {
			w.conn.Close()
		}
		delete(h.watchers, w)
	}
}

func (h *eventHub) add(w *watcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	n := len(h.watchers)
	h.mu.Unlock()
	h.logger.Debug("event watcher connected", "watchers", n)
}

// remove forgets a watcher. Only the caller that actually removed it closes
// its queue, so a shutdown racing a disconnect cannot close it twice.
func (h *eventHub) remove(w *watcher) {
	h.mu.Lock()
	_, ok := h.watchers[w]
	delete(h.watchers, w)
	n := len(h.watchers)
	h.mu.Unlock()

	if ok {
		close(w.out)
	}
	h.logger.Debug("event watcher disconnected", "watchers", n)
}

// Watchers returns the number of connected watchers.
func (h *eventHub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Dropped returns how many events were discarded for slow watchers.
func (h *eventHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish delivers a device event to every watcher whose filter matches.
func (h *eventHub) Publish(channel, deviceID string, payload json.RawMessage) {
	data, err := json.Marshal(Frame{
		Type:      FrameEvent,
		Channel:   channel,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding device event failed", "channel", channel, "device_id", deviceID, "error", err)
		return
	}

	// Copy the set so no watcher lock is taken under the hub lock.
	h.mu.RLock()
	targets := make([]*watcher, 0, len(h.watchers))
	for w := range h.watchers {
		targets = append(targets, w)
	}
	h.mu.RUnlock()

	for _, w := range targets {
		if w.wants(channel, deviceID) && !w.enqueue(data) {
			h.dropped.Add(1)
			h.logger.Warn("event watcher queue full, dropping event", "channel", channel, "device_id", deviceID)
		}
	}
}

// subscribeStateUpdates feeds the bridge's state and ack topics into the
// event hub.
func (s *Server) subscribeStateUpdates() error {
	if s.mqtt == nil {
		return nil
	}

	topics := mqtt.Topics{}
	feeds := []struct {
		filter  string
		channel string
	}{
		{topics.AllStates(), ChannelStateChanged},
		{topics.AllAcks(), ChannelCommandAck},
	}
	for _, f := range feeds {
		if err := s.mqtt.Subscribe(f.filter, 1, s.relayEvent(f.channel)); err != nil {
			return fmt.Errorf("subscribing %s for %s events: %w", f.filter, f.channel, err)
		}
		s.logger.Info("relaying device events", "topic", f.filter, "channel", f.channel)
	}
	return nil
}

// relayEvent returns an MQTT handler publishing each message on channel.
// The device id is the last topic level.
func (s *Server) relayEvent(channel string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		deviceID, err := url.PathUnescape(path.Base(topic))
		if err != nil || deviceID == "" {
			s.logger.Warn("ignoring event with unusable topic", "topic", topic, "channel", channel)
			return nil
		}
		if !json.Valid(payload) {
			s.logger.Warn("ignoring event with malformed payload", "topic", topic, "channel", channel)
			return nil
		}

		s.hub.Publish(channel, deviceID, json.RawMessage(payload))
		return nil
	}
}

// handleWebSocket upgrades the request and starts streaming device events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("event stream upgrade failed", "error", err)
		return
	}

	wc := &watcher{
		hub:      s.hub,
		conn:     conn,
		out:      make(chan []byte, watcherQueueSize),
		channels: make(map[string]struct{}),
		devices:  make(map[string]struct{}),
	}
	s.hub.add(wc)

	go wc.writeLoop(s.wsCfg)
	go wc.readLoop(s.wsCfg)
}

func (w *watcher) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		w.hub.remove(w)
		w.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return w.conn.SetReadDeadline(time.Now().Add(deadline)) }

	w.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // the next read reports a broken connection
	w.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.hub.logger.Warn("event stream read failed", "error", err)
			}
			return
		}
		// Application-level frames count as liveness too.
		extend() //nolint:errcheck // see above
		w.handleFrame(data)
	}
}

func (w *watcher) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		w.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // the write reports it
		return w.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-w.out:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *watcher) handleFrame(data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		w.reject("", "frame is not valid JSON")
		return
	}

	switch in.Type {
	case FrameSubscribe, FrameUnsubscribe:
		var sub Subscription
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &sub); err != nil {
				w.reject(in.ID, in.Type+" payload must be {\"channels\": [...], \"device_ids\": [...]}")
				return
			}
		}
		if bad := unknownChannel(sub.Channels); bad != "" {
			w.reject(in.ID, fmt.Sprintf("unknown channel %q, expected one of %s", bad, strings.Join(eventChannels, ", ")))
			return
		}
		if in.Type == FrameSubscribe {
			w.subscribe(sub)
		} else {
			w.unsubscribe(sub)
		}
		w.reply(in.ID, FrameResult, w.filter())
	case FramePing:
		w.reply(in.ID, FramePong, nil)
	default:
		w.reject(in.ID, fmt.Sprintf("unsupported frame type %q", in.Type))
	}
}

func unknownChannel(channels []string) string {
	for _, ch := range channels {
		if !slices.Contains(eventChannels, ch) {
			return ch
		}
	}
	return ""
}

func (w *watcher) subscribe(sub Subscription) {
	channels := sub.Channels
	if len(channels) == 0 {
		channels = eventChannels
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range channels {
		w.channels[ch] = struct{}{}
	}
	for _, id := range sub.DeviceIDs {
		w.devices[id] = struct{}{}
	}
}

func (w *watcher) unsubscribe(sub Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(w.channels, ch)
	}
	for _, id := range sub.DeviceIDs {
		delete(w.devices, id)
	}
}

// filter returns the current subscription, sorted.
func (w *watcher) filter() Subscription {
	w.mu.RLock()
	defer w.mu.RUnlock()

	sub := Subscription{Channels: []string{}, DeviceIDs: []string{}}
	for ch := range w.channels {
		sub.Channels = append(sub.Channels, ch)
	}
	for id := range w.devices {
		sub.DeviceIDs = append(sub.DeviceIDs, id)
	}
	slices.Sort(sub.Channels)
	slices.Sort(sub.DeviceIDs)
	return sub
}

func (w *watcher) wants(channel, deviceID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if _, ok := w.channels[channel]; !ok {
		return false
	}
	if len(w.devices) == 0 {
		return true
	}
	_, ok := w.devices[deviceID]
	return ok
}

// enqueue queues data without blocking. It reports false when the queue is
// full; a queue closed by a concurrent disconnect counts as delivered.
func (w *watcher) enqueue(data []byte) (queued bool) {
	defer func() {
		if recover() != nil {
			queued = true
		}
	}()

	select {
	case w.out <- data:
		return true
	default:
		return false
	}
}

func (w *watcher) reply(id, frameType string, payload any) {
	data, err := json.Marshal(Frame{
		Type:      frameType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	w.enqueue(data)
}

func (w *watcher) reject(id, message string) {
	w.reply(id, FrameError, map[string]string{"message": message})
}
