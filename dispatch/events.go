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

package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/breachwatch/livewire/common"
	"github.com/pkg/errors"
)

// EventType tag of one inbound event. Values match the gateway frame types.
type EventType string

// The inbound event tags the gateway emits
const (
	EventTypeMonitoringUpdate    EventType = "monitoring_update"
	EventTypeAlertNotification   EventType = "alert_notification"
	EventTypeChatMessage         EventType = "chat_message"
	EventTypeSessionStatusUpdate EventType = "session_status_update"
	EventTypeUnreadCountUpdate   EventType = "unread_count_update"
	EventTypeTypingIndicator     EventType = "typing_indicator"
)

// ErrMalformedFrame a frame could not be decoded into a known event
var ErrMalformedFrame = fmt.Errorf("malformed frame")

// Event one decoded inbound event
type Event interface {
	EventType() EventType
}

// MonitoringUpdate state change of one monitored item
type MonitoringUpdate struct {
	ItemID      string    `json:"itemId"`
	LastChecked time.Time `json:"lastChecked"`
	Status      string    `json:"status"`
}

// EventType tag of the event
func (e MonitoringUpdate) EventType() EventType { return EventTypeMonitoringUpdate }

// AlertBody user facing content of one alert
type AlertBody struct {
	Type             string `json:"type"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	RelatedSessionID string `json:"relatedSessionId,omitempty"`
}

// AlertNotification one pushed alert
type AlertNotification struct {
	ID       string    `json:"id"`
	Severity string    `json:"severity"`
	Payload  AlertBody `json:"payload"`
}

// EventType tag of the event
func (e AlertNotification) EventType() EventType { return EventTypeAlertNotification }

// ChatMessage one chat message within a consultation session
type ChatMessage struct {
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventType tag of the event
func (e ChatMessage) EventType() EventType { return EventTypeChatMessage }

// SessionStatusUpdate status transition of one consultation session
type SessionStatusUpdate struct {
	SessionID     string     `json:"sessionId"`
	OldStatus     string     `json:"oldStatus"`
	NewStatus     string     `json:"newStatus"`
	ExtendedUntil *time.Time `json:"extendedUntil,omitempty"`
}

// EventType tag of the event
func (e SessionStatusUpdate) EventType() EventType { return EventTypeSessionStatusUpdate }

// UnreadCountUpdate authoritative unread notification count
type UnreadCountUpdate struct {
	Count int `json:"count"`
}

// EventType tag of the event
func (e UnreadCountUpdate) EventType() EventType { return EventTypeUnreadCountUpdate }

// TypingIndicator typing state of the peer within a session
type TypingIndicator struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// EventType tag of the event
func (e TypingIndicator) EventType() EventType { return EventTypeTypingIndicator }

// decodeFrame parse one raw gateway frame into a typed event
func decodeFrame(raw []byte) (Event, error) {
	var envelope common.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if envelope.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "frame missing type")
	}
	parse := func(target interface{}) error {
		if err := json.Unmarshal(envelope.Payload, target); err != nil {
			return errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return nil
	}
	switch EventType(envelope.Type) {
	case EventTypeMonitoringUpdate:
		var event MonitoringUpdate
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTypeAlertNotification:
		var event AlertNotification
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTypeChatMessage:
		var event ChatMessage
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTypeSessionStatusUpdate:
		var event SessionStatusUpdate
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTypeUnreadCountUpdate:
		var event UnreadCountUpdate
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	case EventTypeTypingIndicator:
		var event TypingIndicator
		if err := parse(&event); err != nil {
			return nil, err
		}
		return event, nil
	}
	return nil, errors.Wrapf(ErrMalformedFrame, "unknown frame type %s", envelope.Type)
}
