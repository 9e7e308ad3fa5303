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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/stretchr/testify/assert"
)

// inlineDispatcher runs handlers synchronously on Emit. Stand-in for the real
// event loop in coordinator tests.
type inlineDispatcher struct {
	lock     sync.Mutex
	handlers dispatch.HandlerSet
}

func newInlineDispatcher() *inlineDispatcher {
	return &inlineDispatcher{handlers: dispatch.HandlerSet{}}
}

func (d *inlineDispatcher) Start(wg *sync.WaitGroup) error { return nil }
func (d *inlineDispatcher) Stop() error                    { return nil }

func (d *inlineDispatcher) AddHandler(
	eventType dispatch.EventType, handler dispatch.Handler,
) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

func (d *inlineDispatcher) SetHandlers(handlers dispatch.HandlerSet) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.handlers = handlers
}

func (d *inlineDispatcher) OnFrame(raw []byte) error { return nil }

func (d *inlineDispatcher) Emit(event dispatch.Event) error {
	d.lock.Lock()
	handlers := append([]dispatch.Handler{}, d.handlers[event.EventType()]...)
	d.lock.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func testAlertEvent(id, severity, title string) dispatch.AlertNotification {
	return dispatch.AlertNotification{
		ID:       id,
		Severity: severity,
		Payload: dispatch.AlertBody{
			Type: "breach_detected", Title: title, Message: "credentials exposed",
		},
	}
}

func TestAlertFeedRetention(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	events := newInlineDispatcher()
	uut, err := DefineAlertFeed(
		AlertFeedParams{RetentionLimit: 3, DedupWindow: time.Minute}, events,
	)
	assert.Nil(err)
	defer uut.Stop()

	for idx := 0; idx < 4; idx++ {
		assert.Nil(events.Emit(testAlertEvent(
			fmt.Sprintf("alert-%d", idx), "high", fmt.Sprintf("Breach %d", idx),
		)))
	}

	// Newest first, oldest evicted
	records := uut.Records()
	assert.Len(records, 3)
	assert.Equal("alert-3", records[0].ID)
	assert.Equal("alert-2", records[1].ID)
	assert.Equal("alert-1", records[2].ID)
	assert.Equal(3, uut.UnreadCount())

	// Event fields land on the record
	assert.Equal("high", records[0].Priority)
	assert.Equal("breach_detected", records[0].Type)
	assert.Equal("Breach 3", records[0].Title)
	assert.False(records[0].IsRead)
}

func TestAlertFeedReadTracking(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	events := newInlineDispatcher()
	uut, err := DefineAlertFeed(
		AlertFeedParams{RetentionLimit: 10, DedupWindow: time.Minute}, events,
	)
	assert.Nil(err)
	defer uut.Stop()

	assert.Nil(events.Emit(testAlertEvent("alert-0", "high", "Breach")))
	assert.Nil(events.Emit(testAlertEvent("alert-1", "low", "Scan finished")))
	assert.Equal(2, uut.UnreadCount())

	assert.Nil(uut.MarkRead("alert-0"))
	assert.Equal(1, uut.UnreadCount())

	// Re-reading the same record changes nothing
	assert.Nil(uut.MarkRead("alert-0"))
	assert.Equal(1, uut.UnreadCount())

	assert.NotNil(uut.MarkRead("no-such-record"))

	uut.MarkAllRead()
	assert.Equal(0, uut.UnreadCount())
	for _, record := range uut.Records() {
		assert.True(record.IsRead)
	}
}

func TestAlertFeedServerCountOverride(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	events := newInlineDispatcher()
	uut, err := DefineAlertFeed(
		AlertFeedParams{RetentionLimit: 10, DedupWindow: time.Minute}, events,
	)
	assert.Nil(err)
	defer uut.Stop()

	assert.Nil(events.Emit(testAlertEvent("alert-0", "high", "Breach")))
	assert.Equal(1, uut.UnreadCount())

	// The server's number wins regardless of local bookkeeping
	assert.Nil(events.Emit(dispatch.UnreadCountUpdate{Count: 42}))
	assert.Equal(42, uut.UnreadCount())

	assert.Nil(events.Emit(dispatch.UnreadCountUpdate{Count: 0}))
	assert.Equal(0, uut.UnreadCount())
}

func TestAlertFeedDeduplication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	events := newInlineDispatcher()
	uut, err := DefineAlertFeed(
		AlertFeedParams{RetentionLimit: 10, DedupWindow: time.Minute}, events,
	)
	assert.Nil(err)
	defer uut.Stop()

	// The gateway redelivers the same alert after a reconnect
	assert.Nil(events.Emit(testAlertEvent("alert-0", "high", "Breach")))
	assert.Nil(events.Emit(testAlertEvent("alert-0", "high", "Breach")))

	assert.Len(uut.Records(), 1)
	assert.Equal(1, uut.UnreadCount())

	// A different ID is a different alert
	assert.Nil(events.Emit(testAlertEvent("alert-1", "high", "Breach")))
	assert.Len(uut.Records(), 2)
}

func TestAlertFeedLocalPush(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	events := newInlineDispatcher()
	uut, err := DefineAlertFeed(
		AlertFeedParams{RetentionLimit: 10, DedupWindow: time.Minute}, events,
	)
	assert.Nil(err)
	defer uut.Stop()

	uut.Push(NotificationRecord{
		Type: "session_update", Title: "Consultation started", Priority: "high",
	})

	records := uut.Records()
	assert.Len(records, 1)
	assert.NotEmpty(records[0].ID)
	assert.False(records[0].CreatedAt.IsZero())
	assert.Equal(1, uut.UnreadCount())
}
