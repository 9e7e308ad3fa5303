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

package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/breachwatch/livewire/subscription"
)

// Session lifecycle statuses as carried on the wire
const (
	SessionStatusPending   = "PENDING"
	SessionStatusActive    = "ACTIVE"
	SessionStatusCompleted = "COMPLETED"
)

// NotifyCB receives locally synthesized notification records, e.g. for the
// alert feed
type NotifyCB func(record NotificationRecord)

// transitionGuard once-per-session latches for the two announced lifecycle
// transitions
type transitionGuard struct {
	activeNotified    bool
	completedNotified bool
}

// chatSession book keeping for one open consultation session
type chatSession struct {
	handle     subscription.Handle
	messages   []dispatch.ChatMessage
	peerTyping bool
}

// ChatSessions tracks open consultation sessions. Opening a session
// subscribes its chat topic; incoming messages for sessions that are not
// open are ignored. Status transitions to ACTIVE and COMPLETED are announced
// at most once per session.
type ChatSessions interface {
	// Open start tracking a session and subscribe its chat topic
	Open(sessionID string) error
	// Close stop tracking a session and release its chat subscription
	Close(sessionID string) error
	// OpenSessions IDs of the currently tracked sessions
	OpenSessions() []string
	// Messages chat transcript of one open session, oldest first
	Messages(sessionID string) ([]dispatch.ChatMessage, error)
	// Send transmit a chat message; false when no connection is up
	Send(sessionID, content string) bool
	// SendTyping transmit own typing state; false when no connection is up
	SendTyping(sessionID string, isTyping bool) bool
	// PeerTyping whether the peer of the session is currently typing
	PeerTyping(sessionID string) bool
	// SessionStatus last known status of a session, if any
	SessionStatus(sessionID string) (string, bool)
	// LastAppliedStatus status last applied for the session, if any
	LastAppliedStatus(sessionID string) (string, bool)
	// NotePolledSession record that the fallback poller now tracks this
	// session; a new session ID resets its transition latches
	NotePolledSession(sessionID string)
}

// chatSessionsImpl implements ChatSessions
type chatSessionsImpl struct {
	common.Component
	lock       sync.Mutex
	registry   subscription.Registry
	wire       subscription.FrameSender
	notify     NotifyCB
	open       map[string]*chatSession
	statuses   map[string]string
	guards     map[string]*transitionGuard
	lastPolled string
}

// DefineChatSessions create the chat session coordinator and register its
// push handlers
func DefineChatSessions(
	registry subscription.Registry,
	wire subscription.FrameSender,
	dispatcher dispatch.Dispatcher,
	notify NotifyCB,
) (ChatSessions, error) {
	logTags := log.Fields{
		"module": "coordinator", "component": "chat-sessions",
	}
	if registry == nil || wire == nil || dispatcher == nil {
		err := fmt.Errorf("registry, frame sender, and dispatcher are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define chat sessions")
		return nil, err
	}
	instance := &chatSessionsImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		wire:      wire,
		notify:    notify,
		open:      make(map[string]*chatSession),
		statuses:  make(map[string]string),
		guards:    make(map[string]*transitionGuard),
	}
	dispatcher.AddHandler(dispatch.EventTypeChatMessage, instance.onChatMessage)
	dispatcher.AddHandler(
		dispatch.EventTypeSessionStatusUpdate, instance.onStatusUpdate,
	)
	dispatcher.AddHandler(dispatch.EventTypeTypingIndicator, instance.onTyping)
	return instance, nil
}

// Open start tracking a session and subscribe its chat topic
func (c *chatSessionsImpl) Open(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, tracked := c.open[sessionID]; tracked {
		log.WithFields(c.LogTags).Debugf("Session %s already open", sessionID)
		return nil
	}
	handle, err := c.registry.Subscribe(common.TopicSessionChat, sessionID)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to subscribe chat topic of session %s", sessionID,
		)
		return err
	}
	c.open[sessionID] = &chatSession{handle: handle}
	log.WithFields(c.LogTags).Infof("Opened session %s", sessionID)
	return nil
}

// Close stop tracking a session and release its chat subscription
func (c *chatSessionsImpl) Close(sessionID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	session, tracked := c.open[sessionID]
	if !tracked {
		return fmt.Errorf("session %s is not open", sessionID)
	}
	delete(c.open, sessionID)
	if err := c.registry.Unsubscribe(session.handle); err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf(
			"Unable to release chat subscription of session %s", sessionID,
		)
	}
	log.WithFields(c.LogTags).Infof("Closed session %s", sessionID)
	return nil
}

// OpenSessions IDs of the currently tracked sessions
func (c *chatSessionsImpl) OpenSessions() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, 0, len(c.open))
	for sessionID := range c.open {
		result = append(result, sessionID)
	}
	return result
}

// Messages chat transcript of one open session, oldest first
func (c *chatSessionsImpl) Messages(sessionID string) ([]dispatch.ChatMessage, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	session, tracked := c.open[sessionID]
	if !tracked {
		return nil, fmt.Errorf("session %s is not open", sessionID)
	}
	return append([]dispatch.ChatMessage{}, session.messages...), nil
}

// Send transmit a chat message
func (c *chatSessionsImpl) Send(sessionID, content string) bool {
	sent := c.wire.SendFrame(common.ChatSendFrame{
		Action: "chat_send", SessionID: sessionID, Content: content,
	})
	if !sent {
		log.WithFields(c.LogTags).Warnf(
			"Dropped outbound message for session %s, not connected", sessionID,
		)
	}
	return sent
}

// SendTyping transmit own typing state
func (c *chatSessionsImpl) SendTyping(sessionID string, isTyping bool) bool {
	return c.wire.SendFrame(common.TypingFrame{
		Action: "typing", SessionID: sessionID, IsTyping: isTyping,
	})
}

// PeerTyping whether the peer of the session is currently typing
func (c *chatSessionsImpl) PeerTyping(sessionID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	session, tracked := c.open[sessionID]
	if !tracked {
		return false
	}
	return session.peerTyping
}

// SessionStatus last known status of a session
func (c *chatSessionsImpl) SessionStatus(sessionID string) (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	status, known := c.statuses[sessionID]
	return status, known
}

// LastAppliedStatus status last applied for the session
func (c *chatSessionsImpl) LastAppliedStatus(sessionID string) (string, bool) {
	return c.SessionStatus(sessionID)
}

// NotePolledSession record that the fallback poller now tracks this session
func (c *chatSessionsImpl) NotePolledSession(sessionID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.lastPolled == sessionID {
		return
	}
	c.lastPolled = sessionID
	// Fresh session; its lifecycle announcements start over
	delete(c.guards, sessionID)
	log.WithFields(c.LogTags).Debugf("Now tracking polled session %s", sessionID)
}

func (c *chatSessionsImpl) onChatMessage(event dispatch.Event) {
	message, ok := event.(dispatch.ChatMessage)
	if !ok {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	session, tracked := c.open[message.SessionID]
	if !tracked {
		// Not an open session, nothing to record
		log.WithFields(c.LogTags).Debugf(
			"Ignored message for session %s", message.SessionID,
		)
		return
	}
	session.messages = append(session.messages, message)
	// A message from the peer ends the typing indicator
	if message.Sender != "" {
		session.peerTyping = false
	}
}

func (c *chatSessionsImpl) onStatusUpdate(event dispatch.Event) {
	update, ok := event.(dispatch.SessionStatusUpdate)
	if !ok {
		return
	}
	c.lock.Lock()
	c.statuses[update.SessionID] = update.NewStatus
	guard, known := c.guards[update.SessionID]
	if !known {
		guard = &transitionGuard{}
		c.guards[update.SessionID] = guard
	}
	var record *NotificationRecord
	switch update.NewStatus {
	case SessionStatusActive:
		if !guard.activeNotified {
			guard.activeNotified = true
			record = &NotificationRecord{
				Type:             "session_update",
				Title:            "Consultation started",
				Message:          "Your consultation session is now active",
				Priority:         "high",
				CreatedAt:        time.Now().UTC(),
				RelatedSessionID: update.SessionID,
			}
		}
	case SessionStatusCompleted:
		if !guard.completedNotified {
			guard.completedNotified = true
			record = &NotificationRecord{
				Type:             "session_update",
				Title:            "Consultation completed",
				Message:          "Your consultation session has ended",
				Priority:         "medium",
				CreatedAt:        time.Now().UTC(),
				RelatedSessionID: update.SessionID,
			}
		}
	}
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof(
		"Session %s moved %s => %s", update.SessionID, update.OldStatus, update.NewStatus,
	)
	if record != nil && c.notify != nil {
		c.notify(*record)
	}
}

func (c *chatSessionsImpl) onTyping(event dispatch.Event) {
	typing, ok := event.(dispatch.TypingIndicator)
	if !ok {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	session, tracked := c.open[typing.SessionID]
	if !tracked {
		return
	}
	session.peerTyping = typing.IsTyping
}
