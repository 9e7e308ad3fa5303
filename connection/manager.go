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

package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/core"
	"github.com/breachwatch/livewire/identity"
	"github.com/pkg/errors"
)

var (
	// ErrNoIdentity no usable identity to open a connection with
	ErrNoIdentity = fmt.Errorf("no identity available")
	// ErrGaveUp the reconnect attempt budget is exhausted
	ErrGaveUp = fmt.Errorf("reconnect attempt budget exhausted")
)

// Status snapshot of the connection state. connected and connecting are
// never simultaneously true; both false means explicitly disconnected.
type Status struct {
	Connected         bool   `json:"connected"`
	Connecting        bool   `json:"connecting"`
	Error             string `json:"error,omitempty"`
	ReconnectAttempts uint   `json:"reconnect_attempts"`
}

// StatusObserverCB callback invoked after every status change
type StatusObserverCB func(status Status)

// FrameForwardCB callback receiving each inbound frame
type FrameForwardCB func(raw []byte)

// ReplayCB callback invoked after every successful (re)connection so the
// subscription registry can re-declare interest. The transport has no
// memory of prior interest.
type ReplayCB func()

// Manager owns the single live transport instance, its lifecycle, and the
// reconnection policy. No method blocks on network settle; Connect performs
// one synchronous handshake attempt and continues retrying in the
// background on failure.
type Manager interface {
	// Connect open the transport as the given identity. A no-op when a
	// connection for the same identity already exists or is in flight.
	Connect(ident identity.Identity) error
	// Disconnect tear the transport down. Idempotent; halts any pending
	// reconnect. Only an explicit Connect restarts the cycle afterwards.
	Disconnect() error
	// ForceReconnect tear down and restart the reconnection sequence with
	// the attempt counter reset to zero
	ForceReconnect() error
	// Status read the current status snapshot
	Status() Status
	// AddStatusObserver register for status change notifications
	AddStatusObserver(cb StatusObserverCB)
	// SetReplayCB install the subscription replay hook
	SetReplayCB(cb ReplayCB)
	// SendFrame send one outbound frame. Returns false when not connected
	// or on a write failure; the caller surfaces this to the user.
	SendFrame(frame interface{}) bool
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

// ManagerParams arguments for defining a connection Manager
type ManagerParams struct {
	// Dialer opens gateway transports
	Dialer core.Dialer `validate:"required"`
	// OnFrame receives every inbound frame
	OnFrame FrameForwardCB `validate:"required"`
	// Reconnect retry policy parameters
	Reconnect common.ReconnectConfig
	// PingInterval keepalive probe period
	PingInterval time.Duration
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	lock         sync.Mutex
	dialer       core.Dialer
	onFrame      FrameForwardCB
	replay       ReplayCB
	policy       backoffPolicy
	maxAttempts  uint
	pingInterval time.Duration
	rootContext  context.Context
	wg           *sync.WaitGroup

	state       connState
	ident       identity.Identity
	identSet    bool
	transport   core.Transport
	attempts    uint
	lastError   string
	generation  uint64
	retryCancel context.CancelFunc
	observers   []StatusObserverCB
}

// DefineManager create new connection manager
func DefineManager(
	instance string,
	params ManagerParams,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Manager, error) {
	logTags := log.Fields{
		"module": "connection", "component": "manager", "instance": instance,
	}
	if params.Dialer == nil || params.OnFrame == nil {
		err := fmt.Errorf("dialer and frame forward callback are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return nil, err
	}
	if params.Reconnect.BaseDelayMS <= 0 {
		params.Reconnect.BaseDelayMS = 1000
	}
	if params.Reconnect.MaxDelayMS <= 0 {
		params.Reconnect.MaxDelayMS = 30000
	}
	if params.Reconnect.MaxAttempts <= 0 {
		params.Reconnect.MaxAttempts = 10
	}
	if params.PingInterval == 0 {
		params.PingInterval = time.Second * 30
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		dialer:    params.Dialer,
		onFrame:   params.OnFrame,
		policy: backoffPolicy{
			baseDelay: time.Duration(params.Reconnect.BaseDelayMS) * time.Millisecond,
			maxDelay:  time.Duration(params.Reconnect.MaxDelayMS) * time.Millisecond,
		},
		maxAttempts:  uint(params.Reconnect.MaxAttempts),
		pingInterval: params.PingInterval,
		rootContext:  rootCtxt,
		wg:           wg,
		state:        stateDisconnected,
	}, nil
}

// Connect open the transport as the given identity
func (m *managerImpl) Connect(ident identity.Identity) error {
	if !ident.Valid() {
		log.WithFields(m.LogTags).Warn("Connect refused. No usable identity")
		return ErrNoIdentity
	}
	m.lock.Lock()
	if m.identSet && m.ident == ident && m.state != stateDisconnected {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debug("Already connected or connecting. No-op")
		return nil
	}
	// A different identity supersedes whatever is currently running
	superseded := m.teardownLocked()
	m.ident = ident
	m.identSet = true
	m.attempts = 0
	m.lastError = ""
	m.state = stateConnecting
	currentGen := m.generation
	m.lock.Unlock()
	if superseded != nil {
		_ = superseded.Close()
	}
	m.notifyObservers()

	transport, err := m.dialer.Dial(m.rootContext, ident)

	m.lock.Lock()
	if m.generation != currentGen {
		// Superseded while dialing. Discard the result.
		m.lock.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return nil
	}
	if err != nil {
		m.attempts = 1
		m.lastError = err.Error()
		m.beginRetryLocked(currentGen)
		m.lock.Unlock()
		m.notifyObservers()
		return errors.Wrap(err, "gateway handshake failed")
	}
	m.installTransportLocked(currentGen, transport)
	m.lock.Unlock()
	m.notifyObservers()
	m.runReplay()
	return nil
}

// Disconnect tear the transport down
func (m *managerImpl) Disconnect() error {
	m.lock.Lock()
	transport := m.teardownLocked()
	m.state = stateDisconnected
	m.lastError = ""
	m.lock.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
	log.WithFields(m.LogTags).Info("Disconnected")
	m.notifyObservers()
	return nil
}

// ForceReconnect tear down and restart the reconnection sequence
func (m *managerImpl) ForceReconnect() error {
	m.lock.Lock()
	if !m.identSet {
		m.lock.Unlock()
		return ErrNoIdentity
	}
	ident := m.ident
	transport := m.teardownLocked()
	m.state = stateDisconnected
	m.lock.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
	log.WithFields(m.LogTags).Info("Forcing reconnect")
	return m.Connect(ident)
}

// Status read the current status snapshot
func (m *managerImpl) Status() Status {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.statusLocked()
}

// AddStatusObserver register for status change notifications
func (m *managerImpl) AddStatusObserver(cb StatusObserverCB) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.observers = append(m.observers, cb)
}

// SetReplayCB install the subscription replay hook
func (m *managerImpl) SetReplayCB(cb ReplayCB) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.replay = cb
}

// SendFrame send one outbound frame
func (m *managerImpl) SendFrame(frame interface{}) bool {
	m.lock.Lock()
	if m.state != stateConnected || m.transport == nil {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debug("Dropping outbound frame. Not connected")
		return false
	}
	transport := m.transport
	m.lock.Unlock()
	if err := transport.WriteJSON(frame); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Outbound frame write failed")
		return false
	}
	return true
}

// ----------------------------------------------------------------------------------------

func (m *managerImpl) statusLocked() Status {
	return Status{
		Connected:         m.state == stateConnected,
		Connecting:        m.state == stateConnecting || m.state == stateReconnecting,
		Error:             m.lastError,
		ReconnectAttempts: m.attempts,
	}
}

// teardownLocked invalidate the running connection cycle. Bumps the
// generation so in-flight dials and pending backoff timers discard their
// results, cancels the retry loop, and detaches the transport for the
// caller to close outside the lock.
func (m *managerImpl) teardownLocked() core.Transport {
	m.generation++
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	transport := m.transport
	m.transport = nil
	return transport
}

// installTransportLocked adopt a freshly dialed transport
func (m *managerImpl) installTransportLocked(gen uint64, transport core.Transport) {
	m.transport = transport
	m.state = stateConnected
	m.lastError = ""
	m.retryCancel = nil
	log.WithFields(m.LogTags).Infof(
		"Connected as user %s after %d reconnect attempts", m.ident.UserID, m.attempts,
	)
	m.wg.Add(2)
	go m.readLoop(gen, transport)
	go m.pingLoop(gen, transport)
}

// beginRetryLocked arm the background retry loop for this generation
func (m *managerImpl) beginRetryLocked(gen uint64) {
	m.state = stateReconnecting
	retryCtxt, cancel := context.WithCancel(m.rootContext)
	m.retryCancel = cancel
	m.wg.Add(1)
	go m.retryLoop(gen, retryCtxt)
}

func (m *managerImpl) runReplay() {
	m.lock.Lock()
	replay := m.replay
	m.lock.Unlock()
	if replay != nil {
		replay()
	}
}

func (m *managerImpl) notifyObservers() {
	m.lock.Lock()
	status := m.statusLocked()
	observers := append([]StatusObserverCB{}, m.observers...)
	m.lock.Unlock()
	for _, cb := range observers {
		cb(status)
	}
}

// retryLoop drive the backoff and redial sequence for one generation
func (m *managerImpl) retryLoop(gen uint64, retryCtxt context.Context) {
	defer m.wg.Done()
	for {
		m.lock.Lock()
		if m.generation != gen {
			m.lock.Unlock()
			return
		}
		if m.attempts >= m.maxAttempts {
			m.state = stateDisconnected
			m.lastError = ErrGaveUp.Error()
			m.retryCancel = nil
			m.lock.Unlock()
			log.WithFields(m.LogTags).Errorf(
				"Giving up after %d reconnect attempts", m.maxAttempts,
			)
			m.notifyObservers()
			return
		}
		delayIdx := uint(0)
		if m.attempts > 0 {
			delayIdx = m.attempts - 1
		}
		delay := m.policy.delayFor(delayIdx)
		m.lock.Unlock()

		select {
		case <-retryCtxt.Done():
			return
		case <-time.After(delay):
		}

		m.lock.Lock()
		if m.generation != gen {
			m.lock.Unlock()
			return
		}
		ident := m.ident
		m.lock.Unlock()

		log.WithFields(m.LogTags).Infof("Reconnect attempt after %s backoff", delay)
		transport, err := m.dialer.Dial(retryCtxt, ident)

		m.lock.Lock()
		if m.generation != gen {
			// This attempt was superseded while dialing. Discard its result.
			m.lock.Unlock()
			if transport != nil {
				_ = transport.Close()
			}
			return
		}
		if err != nil {
			m.attempts++
			m.lastError = err.Error()
			m.lock.Unlock()
			log.WithError(err).WithFields(m.LogTags).Warn("Reconnect attempt failed")
			m.notifyObservers()
			continue
		}
		m.installTransportLocked(gen, transport)
		m.lock.Unlock()
		m.notifyObservers()
		m.runReplay()
		return
	}
}

// readLoop pump inbound frames until the transport drops
func (m *managerImpl) readLoop(gen uint64, transport core.Transport) {
	defer m.wg.Done()
	for {
		raw, err := transport.ReadFrame()
		if err != nil {
			m.lock.Lock()
			if m.generation != gen || m.transport != transport {
				// Intentional teardown
				m.lock.Unlock()
				return
			}
			m.transport = nil
			m.attempts = 0
			m.lastError = err.Error()
			m.beginRetryLocked(gen)
			m.lock.Unlock()
			_ = transport.Close()
			log.WithError(err).WithFields(m.LogTags).Warn("Transport dropped. Reconnecting")
			m.notifyObservers()
			return
		}
		// Frames from a superseded connection must not reach the consumers
		m.lock.Lock()
		current := m.generation == gen && m.transport == transport
		m.lock.Unlock()
		if !current {
			_ = transport.Close()
			return
		}
		m.onFrame(raw)
	}
}

// pingLoop keepalive probes while the transport is current
func (m *managerImpl) pingLoop(gen uint64, transport core.Transport) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootContext.Done():
			return
		case <-ticker.C:
		}
		m.lock.Lock()
		current := m.generation == gen && m.transport == transport
		m.lock.Unlock()
		if !current {
			return
		}
		if err := transport.Ping(); err != nil {
			// The read loop observes the drop and drives recovery
			log.WithError(err).WithFields(m.LogTags).Warn("Keepalive ping failed")
			return
		}
	}
}
