package router

import (
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc receives decoded messages for one channel.
type HandlerFunc func(Message)

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	HandlerPanics    int64
	Channels         map[string]ChannelStats
}

// ChannelStats are the counters for a single channel.
type ChannelStats struct {
	Received      int64
	Routed        int64
	ParseErrors   int64
	Unknown       int64
	HandlerPanics int64
	LastMessageAt time.Time
}

// Router decodes frames and dispatches them to the handler registered for
// the channel they arrived on. It is safe for concurrent use.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*ChannelStats
}

// NewRouter creates a new Message Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		logger:   logger,
		channels: make(map[string]*ChannelStats),
	}
}

// Route decodes frame and hands it to handle. It returns false when the
// frame was dropped or the handler panicked.
func (r *Router) Route(channelID string, frame []byte, receivedAt time.Time, handle HandlerFunc) bool {
	r.count(channelID, func(s *ChannelStats) { s.Received++ })

	msg, err := Decode(frame)
	if err != nil {
		r.logger.Warn("dropping malformed frame",
			"channel", channelID,
			"size", len(frame),
			"error", err,
		)
		r.count(channelID, func(s *ChannelStats) { s.ParseErrors++ })
		return false
	}

	// Multiplexed backends stamp their own channel name; the id we
	// connected under is what callers key on.
	msg.Channel = channelID
	msg.ReceivedAt = receivedAt

	if !msg.Kind.Known() {
		r.logger.Debug("unknown message type", "channel", channelID, "type", msg.Type)
		r.count(channelID, func(s *ChannelStats) { s.Unknown++ })
	}

	if handle == nil {
		return false
	}

	if !r.dispatch(handle, msg) {
		r.count(channelID, func(s *ChannelStats) { s.HandlerPanics++ })
		return false
	}

	r.count(channelID, func(s *ChannelStats) {
		s.Routed++
		s.LastMessageAt = receivedAt
	})
	return true
}

// dispatch runs the handler, converting a panic into a logged failure.
func (r *Router) dispatch(handle HandlerFunc, msg Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				"channel", msg.Channel,
				"type", msg.Type,
				"panic", rec,
			)
			ok = false
		}
	}()

	handle(msg)
	return true
}

// Forget drops the counters of a channel.
func (r *Router) Forget(channelID string) {
	r.mu.Lock()
	delete(r.channels, channelID)
	r.mu.Unlock()
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RouterStats{Channels: make(map[string]ChannelStats, len(r.channels))}
	for id, s := range r.channels {
		stats.MessagesReceived += s.Received
		stats.MessagesRouted += s.Routed
		stats.ParseErrors += s.ParseErrors
		stats.UnknownMessages += s.Unknown
		stats.HandlerPanics += s.HandlerPanics
		stats.Channels[id] = *s
	}
	return stats
}

func (r *Router) count(channelID string, update func(*ChannelStats)) {
	r.mu.Lock()
	s, ok := r.channels[channelID]
	if !ok {
		s = &ChannelStats{}
		r.channels[channelID] = s
	}
	update(s)
	r.mu.Unlock()
}
