package projector

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/router"
)

// Snapshot is a point-in-time copy of a dashboard. Treat it as read-only;
// section values are shared with the dashboard.
type Snapshot struct {
	Channel    string           `json:"channel"`
	Sections   map[string]any   `json:"sections"`
	Users      []User           `json:"users"`
	Connection connection.State `json:"connection"`
	Live       bool             `json:"live"`  // Channel is open; values are current
	Stale      bool             `json:"stale"` // Values are last-known only
	Revision   uint64           `json:"revision"`
	UpdatedAt  time.Time        `json:"updated_at,omitzero"`
}

// Dashboard is the projector for one admin dashboard channel. It is safe
// for concurrent use: the manager's event loop writes while HTTP handlers
// and the snapshot saver read.
type Dashboard struct {
	channel string
	now     func() time.Time

	mu        sync.RWMutex
	sections  map[string]any
	users     []User
	state     connection.State
	revision  uint64
	updatedAt time.Time
}

// NewDashboard creates an empty, offline dashboard for channel.
func NewDashboard(channel string) *Dashboard {
	return &Dashboard{
		channel:  channel,
		now:      time.Now,
		sections: make(map[string]any),
		state:    connection.StateIdle,
	}
}

// Channel returns the channel id the dashboard projects.
func (d *Dashboard) Channel() string {
	return d.channel
}

// Apply implements Projector.
func (d *Dashboard) Apply(msg router.Message) error {
	rule, ok := RuleFor(msg.Kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRule, msg.Type)
	}

	switch rule.Shape {
	case ShapeUsers:
		u, err := decodeUserUpdate(msg.Data)
		if err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		users, err := applyUserUpdate(d.users, u)
		if err != nil {
			return fmt.Errorf("user_update: %w", err)
		}
		d.users = users
		d.touch()
		return nil

	case ShapeMerge:
		var patch map[string]any
		if err := decodePayload(msg, &patch); err != nil {
			return err
		}
		if patch == nil {
			return fmt.Errorf("%s: %w", msg.Type, ErrNotObject)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		base, _ := d.sections[rule.Section].(map[string]any)
		d.sections[rule.Section] = merge(base, patch)
		d.touch()
		return nil

	case ShapeReplace:
		var value any
		if err := decodePayload(msg, &value); err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.sections[rule.Section] = value
		d.touch()
		return nil
	}

	return fmt.Errorf("%w: %s has shape %s", ErrNoRule, msg.Type, rule.Shape)
}

// decodePayload accepts a missing payload as JSON null.
func decodePayload(msg router.Message, v any) error {
	if len(msg.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	if err := msg.DecodeData(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return nil
}

// touch records a state change. Must be called with mu held.
func (d *Dashboard) touch() {
	d.revision++
	d.updatedAt = d.now()
}

// SetConnection implements ConnectionAware.
func (d *Dashboard) SetConnection(s connection.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Live reports whether the channel is open, so values are current.
func (d *Dashboard) Live() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == connection.StateOpen
}

// Revision increases on every applied change.
func (d *Dashboard) Revision() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// Section returns the current value of a named section.
func (d *Dashboard) Section(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.sections[name]
	return v, ok
}

// Users returns a copy of the user list, newest first.
func (d *Dashboard) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]User(nil), d.users...)
}

// Snapshot returns the current state. Live is false and Stale true unless
// the channel is open.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sections := make(map[string]any, len(d.sections))
	for k, v := range d.sections {
		sections[k] = v
	}
	live := d.state == connection.StateOpen

	return Snapshot{
		Channel:    d.channel,
		Sections:   sections,
		Users:      append([]User(nil), d.users...),
		Connection: d.state,
		Live:       live,
		Stale:      !live,
		Revision:   d.revision,
		UpdatedAt:  d.updatedAt,
	}
}

// Restore seeds the dashboard with a stored snapshot. The connection state
// is left alone, so restored values stay stale until the channel opens.
func (d *Dashboard) Restore(s Snapshot) {
	sections := make(map[string]any, len(s.Sections))
	for k, v := range s.Sections {
		sections[k] = v
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sections = sections
	d.users = append([]User(nil), s.Users...)
	if s.Revision > d.revision {
		d.revision = s.Revision
	}
	d.updatedAt = s.UpdatedAt
}
