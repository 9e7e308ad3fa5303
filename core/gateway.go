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

package core

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/identity"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport one established live connection to the gateway. Implementations
// must tolerate one concurrent reader and multiple concurrent writers.
type Transport interface {
	// ReadFrame block until the next inbound frame or a transport error
	ReadFrame() ([]byte, error)
	// WriteJSON send one outbound frame
	WriteJSON(v interface{}) error
	// Ping send a keepalive probe
	Ping() error
	// Close tear the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens Transport instances against the gateway
type Dialer interface {
	// Dial perform the websocket handshake as the given identity
	Dial(ctxt context.Context, ident identity.Identity) (Transport, error)
}

// GatewayParams connection parameters of the live update gateway
type GatewayParams struct {
	// URL is the gateway websocket endpoint
	URL string `validate:"required,url"`
	// HandshakeTimeout max time to wait for the websocket handshake
	HandshakeTimeout time.Duration
	// WriteTimeout max time to wait for one outbound frame write
	WriteTimeout time.Duration
}

// gatewayDialerImpl implements Dialer over gorilla/websocket
type gatewayDialerImpl struct {
	common.Component
	params GatewayParams
}

// GetGatewayDialer define a websocket Dialer for the gateway
func GetGatewayDialer(params GatewayParams) (Dialer, error) {
	logTags := log.Fields{
		"module": "core", "component": "gateway-dialer", "instance": params.URL,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway dialer")
		return nil, err
	}
	if params.HandshakeTimeout == 0 {
		params.HandshakeTimeout = time.Second * 10
	}
	if params.WriteTimeout == 0 {
		params.WriteTimeout = time.Second * 10
	}
	return &gatewayDialerImpl{
		Component: common.Component{LogTags: logTags}, params: params,
	}, nil
}

// Dial perform the websocket handshake as the given identity
func (d *gatewayDialerImpl) Dial(
	ctxt context.Context, ident identity.Identity,
) (Transport, error) {
	wsURL, err := url.Parse(d.params.URL)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Invalid gateway URL")
		return nil, err
	}
	query := wsURL.Query()
	query.Set("token", ident.Token)
	wsURL.RawQuery = query.Encode()

	// The gateway also accepts the token during the HTTP upgrade
	header := http.Header{}
	header.Set("Authorization", ident.Token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.params.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctxt, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Gateway handshake rejected with %s", resp.Status,
			)
			return nil, errors.Wrapf(err, "gateway handshake rejected with %s", resp.Status)
		}
		log.WithError(err).WithFields(d.LogTags).Error("Gateway dial failed")
		return nil, errors.Wrap(err, "gateway dial failed")
	}
	conn.SetPongHandler(func(string) error {
		log.WithFields(d.LogTags).Debug("Received pong from gateway")
		return nil
	})
	log.WithFields(d.LogTags).Infof("Connected to gateway as user %s", ident.UserID)
	return &wsTransportImpl{
		Component:    common.Component{LogTags: d.LogTags},
		conn:         conn,
		writeTimeout: d.params.WriteTimeout,
		writeLock:    &sync.Mutex{},
	}, nil
}

// wsTransportImpl implements Transport over one gorilla/websocket connection
type wsTransportImpl struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    *sync.Mutex
	closeOnce    sync.Once
}

// ReadFrame block until the next inbound frame or a transport error
func (t *wsTransportImpl) ReadFrame() ([]byte, error) {
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(t.LogTags).Error("Gateway read failure")
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// WriteJSON send one outbound frame
func (t *wsTransportImpl) WriteJSON(v interface{}) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

// Ping send a keepalive probe
func (t *wsTransportImpl) Ping() error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	return t.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(t.writeTimeout),
	)
}

// Close tear the connection down
func (t *wsTransportImpl) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeLock.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeTimeout),
		)
		t.writeLock.Unlock()
		err = t.conn.Close()
	})
	return err
}
