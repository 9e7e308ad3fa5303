// Copyright 2023-2024 The livewire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/google/uuid"
)

// Handle opaque reference to one holder's interest in a topic
type Handle string

// Entry one active interest of the registry
type Entry struct {
	// Topic the subscribed event category
	Topic common.Topic `json:"topic"`
	// Key optional topic qualifier, e.g. a session ID
	Key string `json:"key,omitempty"`
	// Holders number of independent holders of this interest
	Holders int `json:"holders"`
}

// FrameSender outbound wire access; returns false when no connection is up
type FrameSender interface {
	SendFrame(frame interface{}) bool
}

// Registry declarative set of what the server should currently be pushing.
// Interest is reference counted per (topic, key); the wire only ends
// interest when the last holder is gone. The in-memory set is the source of
// truth: it is replayed in insertion order onto every fresh connection.
type Registry interface {
	// Subscribe add interest in (topic, key). Idempotent on the wire: only
	// the first holder causes a subscribe frame.
	Subscribe(topic common.Topic, key string) (Handle, error)
	// Unsubscribe release one holder's interest
	Unsubscribe(handle Handle) error
	// ReplayAll re-send subscribe frames for the entire current set.
	// Invoked by the connection manager after every successful connect.
	ReplayAll()
	// ActiveEntries snapshot of the current interest set in insertion order
	ActiveEntries() []Entry
}

type registryEntry struct {
	topic   common.Topic
	key     string
	holders int
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock    sync.Mutex
	wire    FrameSender
	order   []*registryEntry
	byKey   map[string]*registryEntry
	handles map[Handle]*registryEntry
}

func entryKey(topic common.Topic, key string) string {
	return fmt.Sprintf("%s/%s", topic, key)
}

// DefineRegistry create new subscription registry
func DefineRegistry(wire FrameSender) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	if wire == nil {
		err := fmt.Errorf("frame sender is required")
		log.WithError(err).WithFields(logTags).Error("Unable to define registry")
		return nil, err
	}
	return &registryImpl{
		Component: common.Component{LogTags: logTags},
		wire:      wire,
		byKey:     make(map[string]*registryEntry),
		handles:   make(map[Handle]*registryEntry),
	}, nil
}

// Subscribe add interest in (topic, key)
func (r *registryImpl) Subscribe(topic common.Topic, key string) (Handle, error) {
	if topic == "" {
		return "", fmt.Errorf("topic cannot be empty")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	handle := Handle(uuid.New().String())
	entry, known := r.byKey[entryKey(topic, key)]
	if known {
		entry.holders++
		r.handles[handle] = entry
		log.WithFields(r.LogTags).Debugf(
			"Added holder %d of %s/%s", entry.holders, topic, key,
		)
		return handle, nil
	}
	entry = &registryEntry{topic: topic, key: key, holders: 1}
	r.byKey[entryKey(topic, key)] = entry
	r.order = append(r.order, entry)
	r.handles[handle] = entry
	if sent := r.wire.SendFrame(common.SubscribeFrame{
		Action: "subscribe", Topic: topic, Key: key,
	}); sent {
		log.WithFields(r.LogTags).Infof("Subscribed to %s/%s", topic, key)
	} else {
		// Not connected; the interest is transmitted on the next replay
		log.WithFields(r.LogTags).Infof("Deferred subscribe to %s/%s", topic, key)
	}
	return handle, nil
}

// Unsubscribe release one holder's interest
func (r *registryImpl) Unsubscribe(handle Handle) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, known := r.handles[handle]
	if !known {
		return fmt.Errorf("unknown subscription handle")
	}
	delete(r.handles, handle)
	entry.holders--
	if entry.holders > 0 {
		return nil
	}
	delete(r.byKey, entryKey(entry.topic, entry.key))
	for idx, candidate := range r.order {
		if candidate == entry {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	if sent := r.wire.SendFrame(common.SubscribeFrame{
		Action: "unsubscribe", Topic: entry.topic, Key: entry.key,
	}); sent {
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s/%s", entry.topic, entry.key)
	}
	return nil
}

// ReplayAll re-send subscribe frames for the entire current set
func (r *registryImpl) ReplayAll() {
	r.lock.Lock()
	entries := append([]*registryEntry{}, r.order...)
	r.lock.Unlock()
	log.WithFields(r.LogTags).Infof("Replaying %d subscriptions", len(entries))
	for _, entry := range entries {
		if sent := r.wire.SendFrame(common.SubscribeFrame{
			Action: "subscribe", Topic: entry.topic, Key: entry.key,
		}); !sent {
			log.WithFields(r.LogTags).Warnf(
				"Replay of %s/%s failed to transmit", entry.topic, entry.key,
			)
		}
	}
}

// ActiveEntries snapshot of the current interest set in insertion order
func (r *registryImpl) ActiveEntries() []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Entry, 0, len(r.order))
	for _, entry := range r.order {
		result = append(result, Entry{
			Topic: entry.topic, Key: entry.key, Holders: entry.holders,
		})
	}
	return result
}
