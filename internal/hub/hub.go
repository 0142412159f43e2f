// ABOUTME: Registry of live messaging connections grouped by channel
// ABOUTME: Channels exist implicitly while at least one connection references them

package hub

import (
	"log/slog"
	"sync"
)

// Hub tracks live messaging connections and the channel each belongs to.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[string]map[string]*Connection // channel -> connID -> conn
	logger   *slog.Logger

	// onChange is called with the live connection count after every join/leave.
	onChange func(total int)
}

// New creates an empty hub. Pass nil logger for default.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]*Connection),
		channels: make(map[string]map[string]*Connection),
		logger:   logger,
	}
}

// OnChange registers a callback invoked with the connection count after joins and leaves.
func (h *Hub) OnChange(fn func(total int)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Join creates a messaging connection on channel and registers it.
func (h *Hub) Join(channel string) *Connection {
	c := NewConnection(channel, ModeMessaging)
	h.Add(c)
	return c
}

// Add registers an existing connection under its channel.
func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	members, ok := h.channels[c.Channel]
	if !ok {
		members = make(map[string]*Connection)
		h.channels[c.Channel] = members
	}
	members[c.ID] = c
	total := len(h.conns)
	fn := h.onChange
	h.mu.Unlock()

	h.logger.Info("connection joined",
		"conn_id", c.ID,
		"channel", c.Channel,
		"total_connections", total,
	)
	if fn != nil {
		fn(total)
	}
}

// Leave unregisters a connection and closes it. The channel is removed with its last member.
func (h *Hub) Leave(c *Connection) {
	c.Close()

	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if members, ok := h.channels[c.Channel]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.channels, c.Channel)
		}
	}
	total := len(h.conns)
	fn := h.onChange
	h.mu.Unlock()

	h.logger.Info("connection left",
		"conn_id", c.ID,
		"channel", c.Channel,
		"total_connections", total,
	)
	if fn != nil {
		fn(total)
	}
}

// Broadcast sends v to every member of channel except the one with excludeID.
// Members that are closed or backed up are skipped. Returns the number of deliveries.
func (h *Hub) Broadcast(channel string, v any, excludeID string) int {
	h.mu.RLock()
	members := h.channels[channel]
	targets := make([]*Connection, 0, len(members))
	for id, c := range members {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(v); err != nil {
			h.logger.Debug("broadcast skipped connection",
				"conn_id", c.ID,
				"channel", channel,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ChannelCount returns the number of non-empty channels.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Channels returns channel name -> member count.
func (h *Hub) Channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels))
	for name, members := range h.channels {
		out[name] = len(members)
	}
	return out
}

// Close closes every connection and empties the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, c := range h.conns {
		c.Close()
		delete(h.conns, id)
	}
	for name := range h.channels {
		delete(h.channels, name)
	}
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(0)
	}
}
