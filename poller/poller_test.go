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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/core"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/stretchr/testify/assert"
)

// scriptedFetcher serves a mutable session snapshot
type scriptedFetcher struct {
	lock     sync.Mutex
	status   string
	extended *time.Time
	failNext int
	fetches  int
}

func (f *scriptedFetcher) FetchSession(
	ctxt context.Context, sessionID string,
) (core.SessionSnapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fetches++
	if f.failNext > 0 {
		f.failNext--
		return core.SessionSnapshot{}, fmt.Errorf("api unreachable")
	}
	return core.SessionSnapshot{
		SessionID: sessionID, Status: f.status, ExtendedUntil: f.extended,
	}, nil
}

func (f *scriptedFetcher) setStatus(status string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.status = status
}

func (f *scriptedFetcher) setExtended(until time.Time) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.extended = &until
}

func (f *scriptedFetcher) fetchCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fetches
}

// fakeStateView scripted view of push-applied session state
type fakeStateView struct {
	lock    sync.Mutex
	applied map[string]string
	noted   []string
}

func (v *fakeStateView) LastAppliedStatus(sessionID string) (string, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()
	status, known := v.applied[sessionID]
	return status, known
}

func (v *fakeStateView) NotePolledSession(sessionID string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.noted = append(v.noted, sessionID)
}

// captureSink collects emitted events
type captureSink struct {
	events chan dispatch.Event
}

func (s *captureSink) Emit(event dispatch.Event) error {
	s.events <- event
	return nil
}

func pollerFixture(t *testing.T) (
	*scriptedFetcher, *fakeStateView, *captureSink, Poller,
	context.CancelFunc, *sync.WaitGroup,
) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := &sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	fetcher := &scriptedFetcher{status: "PENDING"}
	applied := &fakeStateView{applied: map[string]string{}}
	sink := &captureSink{events: make(chan dispatch.Event, 32)}
	uut, err := DefinePoller(
		PollerParams{
			Fetcher:         fetcher,
			Applied:         applied,
			Sink:            sink,
			DefaultInterval: time.Millisecond * 10,
		},
		utCtxt,
		wg,
	)
	assert.Nil(err)
	return fetcher, applied, sink, uut, utCtxtCancel, wg
}

func TestPollerDetectsStatusChange(t *testing.T) {
	assert := assert.New(t)
	fetcher, _, sink, uut, cancel, wg := pollerFixture(t)
	defer wg.Wait()
	defer cancel()

	assert.Nil(uut.Start("sess-0", 0))
	assert.Equal([]string{"sess-0"}, uut.ActiveSessions())

	// The first snapshot lands as an initial status event
	select {
	case event := <-sink.events:
		update := event.(dispatch.SessionStatusUpdate)
		assert.Equal("sess-0", update.SessionID)
		assert.Equal("", update.OldStatus)
		assert.Equal("PENDING", update.NewStatus)
	case <-time.After(time.Second):
		assert.FailNow("initial poll never produced an event")
	}

	fetcher.setStatus("ACTIVE")
	select {
	case event := <-sink.events:
		update := event.(dispatch.SessionStatusUpdate)
		assert.Equal("PENDING", update.OldStatus)
		assert.Equal("ACTIVE", update.NewStatus)
	case <-time.After(time.Second):
		assert.FailNow("status change never produced an event")
	}

	// An unchanged snapshot stays quiet
	select {
	case event := <-sink.events:
		assert.FailNow("unexpected event", "%+v", event)
	case <-time.After(time.Millisecond * 100):
	}

	uut.StopAll()
}

func TestPollerDetectsSessionExtension(t *testing.T) {
	assert := assert.New(t)
	fetcher, applied, sink, uut, cancel, wg := pollerFixture(t)
	defer wg.Wait()
	defer cancel()

	fetcher.setStatus("ACTIVE")
	// The status itself was already delivered over push
	applied.lock.Lock()
	applied.applied["sess-4"] = "ACTIVE"
	applied.lock.Unlock()

	assert.Nil(uut.Start("sess-4", 0))

	// The status-only view stays quiet
	assert.Eventually(func() bool {
		return fetcher.fetchCount() >= 2
	}, time.Second, time.Millisecond*5)
	select {
	case event := <-sink.events:
		assert.FailNow("unexpected event before extension", "%+v", event)
	default:
	}

	// An extension with unchanged status must still be announced
	until := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	fetcher.setExtended(until)
	select {
	case event := <-sink.events:
		update := event.(dispatch.SessionStatusUpdate)
		assert.Equal("sess-4", update.SessionID)
		assert.Equal("ACTIVE", update.OldStatus)
		assert.Equal("ACTIVE", update.NewStatus)
		assert.NotNil(update.ExtendedUntil)
		assert.True(until.Equal(*update.ExtendedUntil))
	case <-time.After(time.Second):
		assert.FailNow("session extension never produced an event")
	}

	// Repeated snapshots of the extended session stay quiet
	select {
	case event := <-sink.events:
		assert.FailNow("extension re-announced", "%+v", event)
	case <-time.After(time.Millisecond * 100):
	}

	uut.StopAll()
}

func TestPollerSkipsPushAppliedChanges(t *testing.T) {
	assert := assert.New(t)
	fetcher, applied, sink, uut, cancel, wg := pollerFixture(t)
	defer wg.Wait()
	defer cancel()

	// The push channel already delivered ACTIVE for this session
	fetcher.setStatus("ACTIVE")
	applied.lock.Lock()
	applied.applied["sess-1"] = "ACTIVE"
	applied.lock.Unlock()

	assert.Nil(uut.Start("sess-1", 0))
	assert.Contains(applied.noted, "sess-1")

	// The poll sees the change but stays quiet about it
	assert.Eventually(func() bool {
		return fetcher.fetchCount() >= 3
	}, time.Second, time.Millisecond*5)
	select {
	case event := <-sink.events:
		assert.FailNow("push-applied change re-announced", "%+v", event)
	default:
	}

	uut.Stop("sess-1")
	assert.Empty(uut.ActiveSessions())
}

func TestPollerSurvivesFetchFailures(t *testing.T) {
	assert := assert.New(t)
	fetcher, _, sink, uut, cancel, wg := pollerFixture(t)
	defer wg.Wait()
	defer cancel()

	fetcher.lock.Lock()
	fetcher.failNext = 3
	fetcher.lock.Unlock()

	assert.Nil(uut.Start("sess-2", 0))

	// Failed ticks produce nothing; the first good fetch lands
	select {
	case event := <-sink.events:
		update := event.(dispatch.SessionStatusUpdate)
		assert.Equal("PENDING", update.NewStatus)
	case <-time.After(time.Second * 2):
		assert.FailNow("poller never recovered from fetch failures")
	}
	assert.GreaterOrEqual(fetcher.fetchCount(), 4)

	uut.StopAll()
}

func TestPollerStartIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	_, applied, _, uut, cancel, wg := pollerFixture(t)
	defer wg.Wait()
	defer cancel()

	assert.Nil(uut.Start("sess-3", 0))
	assert.Nil(uut.Start("sess-3", 0))
	assert.Len(uut.ActiveSessions(), 1)

	// Only the first start registers the session with the coordinator
	applied.lock.Lock()
	noted := len(applied.noted)
	applied.lock.Unlock()
	assert.Equal(1, noted)

	assert.NotNil(uut.Start("", 0))

	uut.StopAll()
	assert.Empty(uut.ActiveSessions())
}
