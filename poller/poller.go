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

package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/core"
	"github.com/breachwatch/livewire/dispatch"
)

// SnapshotFetcher fetches the authoritative state of one session over REST
type SnapshotFetcher interface {
	FetchSession(ctxt context.Context, sessionID string) (core.SessionSnapshot, error)
}

// SessionStateView read access to the state the chat coordinator last applied,
// used to suppress change notifications the push channel already delivered
type SessionStateView interface {
	// LastAppliedStatus status last applied for the session, if any
	LastAppliedStatus(sessionID string) (string, bool)
	// NotePolledSession record that the poller is now tracking this session
	NotePolledSession(sessionID string)
}

// EventSink accepts synthesized events for normal dispatch
type EventSink interface {
	Emit(event dispatch.Event) error
}

// Poller REST fallback for session state when the push channel is degraded.
// Each watched session gets its own interval timer; a tick fetches the full
// snapshot and diffs it against the previous one on the client side. Changes
// already applied from the push channel are not re-announced.
type Poller interface {
	// Start begin polling a session. No-op if it is already being polled.
	Start(sessionID string, interval time.Duration) error
	// Stop end polling of one session
	Stop(sessionID string)
	// StopAll end all active polling
	StopAll()
	// ActiveSessions sessions currently being polled
	ActiveSessions() []string
}

type pollerEntry struct {
	timer    common.IntervalTimer
	previous *core.SessionSnapshot
}

// pollerImpl implements Poller
type pollerImpl struct {
	common.Component
	lock     sync.Mutex
	fetcher  SnapshotFetcher
	applied  SessionStateView
	sink     EventSink
	interval time.Duration
	rootCtxt context.Context
	wg       *sync.WaitGroup
	active   map[string]*pollerEntry
}

// PollerParams parameters for defining a poller
type PollerParams struct {
	// Fetcher REST snapshot source
	Fetcher SnapshotFetcher `validate:"required"`
	// Applied view of push-applied session state
	Applied SessionStateView `validate:"required"`
	// Sink destination for synthesized events
	Sink EventSink `validate:"required"`
	// DefaultInterval poll interval used when Start is given zero
	DefaultInterval time.Duration
}

// DefinePoller create new session fallback poller
func DefinePoller(
	params PollerParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (Poller, error) {
	logTags := log.Fields{
		"module": "poller", "component": "session-poller",
	}
	if params.Fetcher == nil || params.Applied == nil || params.Sink == nil {
		err := fmt.Errorf("poller dependencies are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define poller")
		return nil, err
	}
	if params.DefaultInterval <= 0 {
		params.DefaultInterval = time.Second * 15
	}
	return &pollerImpl{
		Component: common.Component{LogTags: logTags},
		fetcher:   params.Fetcher,
		applied:   params.Applied,
		sink:      params.Sink,
		interval:  params.DefaultInterval,
		rootCtxt:  rootCtxt,
		wg:        wg,
		active:    make(map[string]*pollerEntry),
	}, nil
}

// Start begin polling a session
func (p *pollerImpl) Start(sessionID string, interval time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if interval <= 0 {
		interval = p.interval
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, running := p.active[sessionID]; running {
		log.WithFields(p.LogTags).Debugf("Already polling session %s", sessionID)
		return nil
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("poll-%s", sessionID), p.rootCtxt, p.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Unable to create timer for session %s", sessionID,
		)
		return err
	}
	entry := &pollerEntry{timer: timer}
	p.active[sessionID] = entry
	p.applied.NotePolledSession(sessionID)
	if err := timer.Start(interval, func() error {
		p.pollOnce(sessionID, entry)
		return nil
	}); err != nil {
		delete(p.active, sessionID)
		return err
	}
	log.WithFields(p.LogTags).Infof(
		"Polling session %s every %s", sessionID, interval,
	)
	return nil
}

// Stop end polling of one session
func (p *pollerImpl) Stop(sessionID string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	entry, running := p.active[sessionID]
	if !running {
		return
	}
	entry.timer.Stop()
	delete(p.active, sessionID)
	log.WithFields(p.LogTags).Infof("Stopped polling session %s", sessionID)
}

// StopAll end all active polling
func (p *pollerImpl) StopAll() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for sessionID, entry := range p.active {
		entry.timer.Stop()
		delete(p.active, sessionID)
	}
	log.WithFields(p.LogTags).Info("Stopped all session polling")
}

// ActiveSessions sessions currently being polled
func (p *pollerImpl) ActiveSessions() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]string, 0, len(p.active))
	for sessionID := range p.active {
		result = append(result, sessionID)
	}
	return result
}

// sameExtension compare two optional extension timestamps
func sameExtension(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// pollOnce one tick: fetch the snapshot, diff, and announce unseen changes
func (p *pollerImpl) pollOnce(sessionID string, entry *pollerEntry) {
	fetchCtxt, cancel := context.WithTimeout(p.rootCtxt, time.Second*10)
	defer cancel()
	snapshot, err := p.fetcher.FetchSession(fetchCtxt, sessionID)
	if err != nil {
		// Transient fetch failure; the next tick retries
		log.WithError(err).WithFields(p.LogTags).Warnf(
			"Poll of session %s failed", sessionID,
		)
		return
	}
	p.lock.Lock()
	previous := entry.previous
	entry.previous = &snapshot
	p.lock.Unlock()
	statusChanged := previous == nil || previous.Status != snapshot.Status
	extensionChanged := previous != nil &&
		!sameExtension(previous.ExtendedUntil, snapshot.ExtendedUntil)
	if !statusChanged && !extensionChanged {
		return
	}
	if !extensionChanged {
		// The applied view keys on status, so it can only vouch for
		// status-only changes
		if applied, known := p.applied.LastAppliedStatus(sessionID); known &&
			applied == snapshot.Status {
			// The push channel already delivered this change
			log.WithFields(p.LogTags).Debugf(
				"Session %s already at %s, skipping", sessionID, snapshot.Status,
			)
			return
		}
	}
	oldStatus := ""
	if previous != nil {
		oldStatus = previous.Status
	}
	log.WithFields(p.LogTags).Infof(
		"Session %s changed %s => %s via poll", sessionID, oldStatus, snapshot.Status,
	)
	if err := p.sink.Emit(dispatch.SessionStatusUpdate{
		SessionID:     sessionID,
		OldStatus:     oldStatus,
		NewStatus:     snapshot.Status,
		ExtendedUntil: snapshot.ExtendedUntil,
	}); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Unable to announce status change of session %s", sessionID,
		)
	}
}
