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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/breachwatch/livewire/subscription"
	"github.com/stretchr/testify/assert"
)

// recordingWire fake frame sender with togglable connectivity
type recordingWire struct {
	lock      sync.Mutex
	connected bool
	frames    []interface{}
}

func (w *recordingWire) SendFrame(frame interface{}) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if !w.connected {
		return false
	}
	w.frames = append(w.frames, frame)
	return true
}

func (w *recordingWire) sent() []interface{} {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]interface{}{}, w.frames...)
}

type chatFixture struct {
	events   *inlineDispatcher
	wire     *recordingWire
	registry subscription.Registry
	notified []NotificationRecord
	uut      ChatSessions
}

func newChatFixture(t *testing.T) *chatFixture {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := &chatFixture{
		events: newInlineDispatcher(),
		wire:   &recordingWire{connected: true},
	}
	registry, err := subscription.DefineRegistry(fixture.wire)
	assert.Nil(err)
	fixture.registry = registry

	uut, err := DefineChatSessions(
		registry, fixture.wire, fixture.events,
		func(record NotificationRecord) {
			fixture.notified = append(fixture.notified, record)
		},
	)
	assert.Nil(err)
	fixture.uut = uut
	return fixture
}

func TestChatSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	assert.NotNil(uut.Open(""))

	assert.Nil(uut.Open("sess-0"))
	assert.Equal([]string{"sess-0"}, uut.OpenSessions())

	// The chat topic of the session is now subscribed
	entries := fixture.registry.ActiveEntries()
	assert.Len(entries, 1)
	assert.Equal(common.TopicSessionChat, entries[0].Topic)
	assert.Equal("sess-0", entries[0].Key)

	// Opening again is a no-op, not a second holder
	assert.Nil(uut.Open("sess-0"))
	assert.Equal(1, fixture.registry.ActiveEntries()[0].Holders)

	assert.Nil(uut.Close("sess-0"))
	assert.Empty(uut.OpenSessions())
	assert.Empty(fixture.registry.ActiveEntries())

	assert.NotNil(uut.Close("sess-0"))
}

func TestChatMessageRouting(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	assert.Nil(uut.Open("sess-0"))

	assert.Nil(fixture.events.Emit(dispatch.ChatMessage{
		SessionID: "sess-0", Sender: "analyst", Content: "first",
		CreatedAt: time.Now().UTC(),
	}))
	// Traffic for a session nobody opened disappears
	assert.Nil(fixture.events.Emit(dispatch.ChatMessage{
		SessionID: "sess-other", Sender: "analyst", Content: "stray",
	}))
	assert.Nil(fixture.events.Emit(dispatch.ChatMessage{
		SessionID: "sess-0", Sender: "analyst", Content: "second",
	}))

	messages, err := uut.Messages("sess-0")
	assert.Nil(err)
	assert.Len(messages, 2)
	assert.Equal("first", messages[0].Content)
	assert.Equal("second", messages[1].Content)

	_, err = uut.Messages("sess-other")
	assert.NotNil(err)
}

func TestChatOutboundFrames(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	assert.Nil(uut.Open("sess-0"))

	assert.True(uut.Send("sess-0", "hello"))
	assert.True(uut.SendTyping("sess-0", true))

	frames := fixture.wire.sent()
	// subscribe, chat send, typing
	assert.Len(frames, 3)
	sendFrame, ok := frames[1].(common.ChatSendFrame)
	assert.True(ok)
	assert.Equal("chat_send", sendFrame.Action)
	assert.Equal("sess-0", sendFrame.SessionID)
	assert.Equal("hello", sendFrame.Content)
	typingFrame, ok := frames[2].(common.TypingFrame)
	assert.True(ok)
	assert.True(typingFrame.IsTyping)

	// A severed link surfaces as a failed send
	fixture.wire.lock.Lock()
	fixture.wire.connected = false
	fixture.wire.lock.Unlock()
	assert.False(uut.Send("sess-0", "lost"))
	assert.False(uut.SendTyping("sess-0", false))
}

func TestChatTypingIndicator(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	assert.Nil(uut.Open("sess-0"))
	assert.False(uut.PeerTyping("sess-0"))

	assert.Nil(fixture.events.Emit(dispatch.TypingIndicator{
		SessionID: "sess-0", IsTyping: true,
	}))
	assert.True(uut.PeerTyping("sess-0"))

	// A message from the peer clears the indicator
	assert.Nil(fixture.events.Emit(dispatch.ChatMessage{
		SessionID: "sess-0", Sender: "analyst", Content: "done typing",
	}))
	assert.False(uut.PeerTyping("sess-0"))

	// Unknown sessions read as not typing
	assert.False(uut.PeerTyping("sess-9"))
}

func TestChatSessionTransitionAnnouncements(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	statusUpdate := func(sessionID, oldStatus, newStatus string) dispatch.SessionStatusUpdate {
		return dispatch.SessionStatusUpdate{
			SessionID: sessionID, OldStatus: oldStatus, NewStatus: newStatus,
		}
	}

	assert.Nil(fixture.events.Emit(statusUpdate("sess-0", "PENDING", SessionStatusActive)))
	assert.Len(fixture.notified, 1)
	assert.Equal("Consultation started", fixture.notified[0].Title)
	assert.Equal("sess-0", fixture.notified[0].RelatedSessionID)

	status, known := uut.SessionStatus("sess-0")
	assert.True(known)
	assert.Equal(SessionStatusActive, status)

	// The same transition redelivered stays silent
	assert.Nil(fixture.events.Emit(statusUpdate("sess-0", "PENDING", SessionStatusActive)))
	assert.Len(fixture.notified, 1)

	assert.Nil(fixture.events.Emit(statusUpdate("sess-0", SessionStatusActive, SessionStatusCompleted)))
	assert.Len(fixture.notified, 2)
	assert.Equal("Consultation completed", fixture.notified[1].Title)

	assert.Nil(fixture.events.Emit(statusUpdate("sess-0", SessionStatusActive, SessionStatusCompleted)))
	assert.Len(fixture.notified, 2)

	// Other sessions carry their own latches
	assert.Nil(fixture.events.Emit(statusUpdate("sess-1", "PENDING", SessionStatusActive)))
	assert.Len(fixture.notified, 3)
}

func TestChatPolledSessionResetsLatches(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	assert.Nil(fixture.events.Emit(dispatch.SessionStatusUpdate{
		SessionID: "sess-0", OldStatus: "PENDING", NewStatus: SessionStatusActive,
	}))
	assert.Len(fixture.notified, 1)

	// The poller picking up the session anew restarts its announcements
	uut.NotePolledSession("sess-0")
	assert.Nil(fixture.events.Emit(dispatch.SessionStatusUpdate{
		SessionID: "sess-0", OldStatus: "PENDING", NewStatus: SessionStatusActive,
	}))
	assert.Len(fixture.notified, 2)

	// Repeated notes for the same session do not reset again
	uut.NotePolledSession("sess-0")
	assert.Nil(fixture.events.Emit(dispatch.SessionStatusUpdate{
		SessionID: "sess-0", OldStatus: "PENDING", NewStatus: SessionStatusActive,
	}))
	assert.Len(fixture.notified, 2)
}

func TestChatLastAppliedStatus(t *testing.T) {
	assert := assert.New(t)
	fixture := newChatFixture(t)
	uut := fixture.uut

	_, known := uut.LastAppliedStatus("sess-0")
	assert.False(known)

	assert.Nil(fixture.events.Emit(dispatch.SessionStatusUpdate{
		SessionID: "sess-0", OldStatus: "PENDING", NewStatus: SessionStatusActive,
	}))

	status, known := uut.LastAppliedStatus("sess-0")
	assert.True(known)
	assert.Equal(SessionStatusActive, status)
}
