package runtime

import (
	"chat-dm/contract"
	"chat-dm/domain"
	"sync"
)

// Set holds the active connections of one channel, keyed by connection id.
type Set map[string]contract.Subscriber

// Registry is the presence hub: channel -> active connection handles.
// It only tracks live connections; authorization happens before Subscribe.
type Registry struct {
	mu          sync.RWMutex
	handles     uint64
	Channels    map[domain.ChannelID]Set                 // channel -> connections
	Connections map[string]map[domain.ChannelID]struct{} // connection -> channels
}

func NewRegistry() *Registry {
	return &Registry{
		Channels:    make(map[domain.ChannelID]Set),
		Connections: make(map[string]map[domain.ChannelID]struct{}),
	}
}

// Subscribe registers a connection on a channel.
// Subscribing the same connection twice replaces the previous handle.
func (r *Registry) Subscribe(channel domain.ChannelID, sub contract.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles++
	sub.Handle = r.handles

	if _, ok := r.Channels[channel]; !ok {
		r.Channels[channel] = make(Set)
	}
	r.Channels[channel][sub.ConnID] = sub

	if _, ok := r.Connections[sub.ConnID]; !ok {
		r.Connections[sub.ConnID] = make(map[domain.ChannelID]struct{})
	}
	r.Connections[sub.ConnID][channel] = struct{}{}
}

// Unsubscribe removes a connection from one channel.
// Empty sets are dropped so that the maps do not grow forever.
func (r *Registry) Unsubscribe(connID string, channel domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe(connID, channel)
}

// Prune removes sub from channel only if it is still the registered handle
// of its connection. A connection that subscribed again since sub was
// snapshotted keeps its newer handle. It reports whether sub was removed.
func (r *Registry) Prune(channel domain.ChannelID, sub contract.Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.Channels[channel][sub.ConnID]
	if !ok || current.Handle != sub.Handle {
		return false
	}
	r.unsubscribe(sub.ConnID, channel)
	return true
}

// UnsubscribeAll removes a connection from every channel it joined and
// returns those channels.
func (r *Registry) UnsubscribeAll(connID string) []domain.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var channels []domain.ChannelID
	for channel := range r.Connections[connID] {
		channels = append(channels, channel)
	}
	for _, channel := range channels {
		r.unsubscribe(connID, channel)
	}
	return channels
}

func (r *Registry) unsubscribe(connID string, channel domain.ChannelID) {
	if members, ok := r.Channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.Channels, channel)
		}
	}
	if channels, ok := r.Connections[connID]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(r.Connections, connID)
		}
	}
}

// Snapshot copies the current subscribers of a channel.
// Publishing iterates the copy, so late joiners miss the in-flight event.
func (r *Registry) Snapshot(channel domain.ChannelID) []contract.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.Channels[channel]
	if !ok {
		return nil
	}
	res := make([]contract.Subscriber, 0, len(members))
	for _, sub := range members {
		res = append(res, sub)
	}
	return res
}

func (r *Registry) Count(channel domain.ChannelID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Channels[channel])
}

// Stats reports how many channels have listeners and how many connections
// are subscribed to at least one channel.
func (r *Registry) Stats() (channels int, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Channels), len(r.Connections)
}
