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

package common

import "encoding/json"

// Topic is a named category of server pushed events
type Topic string

// The set of topics the gateway recognizes
const (
	TopicSessionChat Topic = "session_chat"
	TopicMonitoring  Topic = "monitoring"
	TopicAlerts      Topic = "alerts"
	TopicSystem      Topic = "system"
)

// Envelope wire format of one inbound gateway frame
type Envelope struct {
	// Type maps one-to-one to the inbound event tags
	Type string `json:"type" validate:"required"`
	// Payload is the event specific body
	Payload json.RawMessage `json:"payload"`
	// Timestamp is the server-side emit time in ISO-8601
	Timestamp string `json:"timestamp"`
}

// SubscribeFrame outbound frame declaring interest in a topic
type SubscribeFrame struct {
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	Topic  Topic  `json:"topic" validate:"required"`
	Key    string `json:"key,omitempty"`
}

// ChatSendFrame outbound frame carrying one chat message
type ChatSendFrame struct {
	Action    string `json:"action" validate:"required,eq=chat_send"`
	SessionID string `json:"sessionId" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// TypingFrame outbound frame signaling typing state for a session
type TypingFrame struct {
	Action    string `json:"action" validate:"required,eq=typing"`
	SessionID string `json:"sessionId" validate:"required"`
	IsTyping  bool   `json:"isTyping"`
}
