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

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/connection"
	"github.com/breachwatch/livewire/coordinator"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/breachwatch/livewire/poller"
	"github.com/breachwatch/livewire/subscription"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestControlHandler REST handler for local status and control
type APIRestControlHandler struct {
	APIRestHandler
	conn     connection.Manager
	registry subscription.Registry
	alerts   coordinator.AlertFeed
	sessions coordinator.ChatSessions
	fallback poller.Poller
	validate *validator.Validate
}

// GetAPIRestControlHandler define APIRestControlHandler
func GetAPIRestControlHandler(
	conn connection.Manager,
	registry subscription.Registry,
	alerts coordinator.AlertFeed,
	sessions coordinator.ChatSessions,
	fallback poller.Poller,
) (APIRestControlHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "control",
	}
	if conn == nil || registry == nil || alerts == nil || sessions == nil ||
		fallback == nil {
		return APIRestControlHandler{}, fmt.Errorf("control handler dependencies missing")
	}
	return APIRestControlHandler{
		APIRestHandler: APIRestHandler{
			Component: common.Component{LogTags: logTags},
		},
		conn:     conn,
		registry: registry,
		alerts:   alerts,
		sessions: sessions,
		fallback: fallback,
		validate: validator.New(),
	}, nil
}

// ========================================================================================

// APIRestRespStatus current client status
type APIRestRespStatus struct {
	StandardResponse
	// Connected whether the gateway link is up
	Connected bool `json:"connected"`
	// Connecting whether a connect or reconnect attempt is in flight
	Connecting bool `json:"connecting"`
	// ReconnectAttempts failed handshakes of the current connect sequence
	ReconnectAttempts uint `json:"reconnectAttempts"`
	// LastError most recent connection error, if any
	LastError string `json:"lastError,omitempty"`
	// Subscriptions the active subscription set
	Subscriptions []subscription.Entry `json:"subscriptions"`
	// OpenSessions IDs of open consultation sessions
	OpenSessions []string `json:"openSessions"`
	// UnreadAlerts unread alert count
	UnreadAlerts int `json:"unreadAlerts"`
}

// GetStatusHandler status of the gateway link and local state
func (h APIRestControlHandler) GetStatusHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		status := h.conn.Status()
		resp := APIRestRespStatus{
			StandardResponse:  getStdRESTSuccessMsg(),
			Connected:         status.Connected,
			Connecting:        status.Connecting,
			ReconnectAttempts: status.ReconnectAttempts,
			Subscriptions:     h.registry.ActiveEntries(),
			OpenSessions:      h.sessions.OpenSessions(),
			UnreadAlerts:      h.alerts.UnreadCount(),
			LastError:         status.Error,
		}
		h.reply(w, http.StatusOK, resp, "GET /v1/status")
	})
}

// ForceReconnectHandler tear down and re-establish the gateway link
func (h APIRestControlHandler) ForceReconnectHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		if err := h.conn.ForceReconnect(); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusBadGateway, getStdRESTErrorMsg(http.StatusBadGateway, &msg),
				"POST /v1/reconnect",
			)
			return
		}
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "POST /v1/reconnect")
	})
}

// ========================================================================================

// APIRestRespAlerts the alert feed
type APIRestRespAlerts struct {
	StandardResponse
	// Unread unread alert count
	Unread int `json:"unread"`
	// Alerts feed records, newest first
	Alerts []coordinator.NotificationRecord `json:"alerts"`
}

// GetAlertsHandler fetch the alert feed
func (h APIRestControlHandler) GetAlertsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		resp := APIRestRespAlerts{
			StandardResponse: getStdRESTSuccessMsg(),
			Unread:           h.alerts.UnreadCount(),
			Alerts:           h.alerts.Records(),
		}
		h.reply(w, http.StatusOK, resp, "GET /v1/alerts")
	})
}

// MarkAlertReadHandler mark one alert as read
func (h APIRestControlHandler) MarkAlertReadHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		alertID, ok := vars["alertID"]
		restCall := "POST /v1/alerts/{alertID}/read"
		if !ok {
			msg := "missing alert ID"
			h.reply(
				w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg),
				restCall,
			)
			return
		}
		if err := h.alerts.MarkRead(alertID); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusNotFound, getStdRESTErrorMsg(http.StatusNotFound, &msg),
				restCall,
			)
			return
		}
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
	})
}

// MarkAllAlertsReadHandler mark every alert as read
func (h APIRestControlHandler) MarkAllAlertsReadHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.alerts.MarkAllRead()
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "POST /v1/alerts/read")
	})
}

// ========================================================================================

// OpenSessionHandler open a consultation session
func (h APIRestControlHandler) OpenSessionHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		restCall := "POST /v1/sessions/{sessionID}/open"
		sessionID := mux.Vars(r)["sessionID"]
		if err := h.sessions.Open(sessionID); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg),
				restCall,
			)
			return
		}
		// Session state is also polled while the session is open, covering
		// any gateway outage
		if err := h.fallback.Start(sessionID, 0); err != nil {
			log.WithError(err).WithFields(h.LogTags).Warnf(
				"Unable to start fallback polling of session %s", sessionID,
			)
		}
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
	})
}

// CloseSessionHandler close a consultation session
func (h APIRestControlHandler) CloseSessionHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		restCall := "POST /v1/sessions/{sessionID}/close"
		sessionID := mux.Vars(r)["sessionID"]
		if err := h.sessions.Close(sessionID); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusNotFound, getStdRESTErrorMsg(http.StatusNotFound, &msg),
				restCall,
			)
			return
		}
		h.fallback.Stop(sessionID)
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
	})
}

// APIRestRespSessionMessages transcript of one session
type APIRestRespSessionMessages struct {
	StandardResponse
	// Messages transcript, oldest first
	Messages []dispatch.ChatMessage `json:"messages"`
	// PeerTyping whether the peer is currently typing
	PeerTyping bool `json:"peerTyping"`
}

// GetSessionMessagesHandler fetch the transcript of an open session
func (h APIRestControlHandler) GetSessionMessagesHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		restCall := "GET /v1/sessions/{sessionID}/messages"
		sessionID := mux.Vars(r)["sessionID"]
		messages, err := h.sessions.Messages(sessionID)
		if err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusNotFound, getStdRESTErrorMsg(http.StatusNotFound, &msg),
				restCall,
			)
			return
		}
		resp := APIRestRespSessionMessages{
			StandardResponse: getStdRESTSuccessMsg(),
			Messages:         messages,
			PeerTyping:       h.sessions.PeerTyping(sessionID),
		}
		h.reply(w, http.StatusOK, resp, restCall)
	})
}

// APIRestReqSendMessage request body for sending a chat message
type APIRestReqSendMessage struct {
	// Content message text
	Content string `json:"content" validate:"required"`
}

// SendSessionMessageHandler transmit a chat message into an open session
func (h APIRestControlHandler) SendSessionMessageHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		restCall := "POST /v1/sessions/{sessionID}/messages"
		sessionID := mux.Vars(r)["sessionID"]
		var request APIRestReqSendMessage
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg),
				restCall,
			)
			return
		}
		if err := h.validate.Struct(&request); err != nil {
			msg := err.Error()
			h.reply(
				w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg),
				restCall,
			)
			return
		}
		if sent := h.sessions.Send(sessionID, request.Content); !sent {
			msg := "gateway link is down"
			h.reply(
				w, http.StatusServiceUnavailable,
				getStdRESTErrorMsg(http.StatusServiceUnavailable, &msg), restCall,
			)
			return
		}
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
	})
}

// ========================================================================================

// AliveHandler liveness check
func (h APIRestControlHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
	})
}

// ReadyHandler readiness check; ready when the gateway link is up
func (h APIRestControlHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		if h.conn.Status().Connected {
			h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
			return
		}
		msg := "gateway link is down"
		h.reply(
			w, http.StatusServiceUnavailable,
			getStdRESTErrorMsg(http.StatusServiceUnavailable, &msg), "GET /ready",
		)
	})
}
