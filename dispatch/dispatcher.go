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
	"context"
	"reflect"
	"sync"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
)

// Handler callback invoked with one decoded event
type Handler func(event Event)

// HandlerSet handler lists keyed by event tag
type HandlerSet map[EventType][]Handler

// Dispatcher decodes inbound frames into typed events and fans them out to
// the registered handlers. Handlers for one event fire synchronously, in
// registration order, before the next event is processed; a handler failure
// never blocks the other handlers nor subsequent events. The poll fallback
// injects synthetic events through Emit so consumers need not distinguish
// push from poll origin.
type Dispatcher interface {
	// Start begin the dispatch event loop
	Start(wg *sync.WaitGroup) error
	// Stop halt the dispatch event loop
	Stop() error
	// AddHandler append a handler for one event tag
	AddHandler(eventType EventType, handler Handler)
	// SetHandlers replace the full handler table
	SetHandlers(handlers HandlerSet)
	// OnFrame accept one raw gateway frame. Malformed frames are logged and
	// dropped; the return only signals a failed enqueue.
	OnFrame(raw []byte) error
	// Emit accept one already decoded event
	Emit(event Event) error
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	tp               common.TaskProcessor
	lock             sync.Mutex
	handlers         HandlerSet
	operationContext context.Context
}

// DefineDispatcher create new message dispatcher
func DefineDispatcher(instance string, rootCtxt context.Context) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "message-dispatcher", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		"dispatch."+instance, 64, rootCtxt,
	)
	if err != nil {
		return nil, err
	}
	dispatcher := &dispatcherImpl{
		Component:        common.Component{LogTags: logTags},
		tp:               tp,
		handlers:         HandlerSet{},
		operationContext: rootCtxt,
	}
	// One task type per event tag keeps the processing loop strictly ordered
	for _, prototype := range []Event{
		MonitoringUpdate{},
		AlertNotification{},
		ChatMessage{},
		SessionStatusUpdate{},
		UnreadCountUpdate{},
		TypingIndicator{},
	} {
		if err := tp.AddToTaskExecutionMap(
			reflect.TypeOf(prototype), dispatcher.processEvent,
		); err != nil {
			return nil, err
		}
	}
	return dispatcher, nil
}

// Start begin the dispatch event loop
func (d *dispatcherImpl) Start(wg *sync.WaitGroup) error {
	return d.tp.StartEventLoop(wg)
}

// Stop halt the dispatch event loop
func (d *dispatcherImpl) Stop() error {
	return d.tp.StopEventLoop()
}

// AddHandler append a handler for one event tag
func (d *dispatcherImpl) AddHandler(eventType EventType, handler Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// SetHandlers replace the full handler table
func (d *dispatcherImpl) SetHandlers(handlers HandlerSet) {
	d.lock.Lock()
	defer d.lock.Unlock()
	newTable := HandlerSet{}
	for eventType, list := range handlers {
		newTable[eventType] = append([]Handler{}, list...)
	}
	d.handlers = newTable
}

// OnFrame accept one raw gateway frame
func (d *dispatcherImpl) OnFrame(raw []byte) error {
	event, err := decodeFrame(raw)
	if err != nil {
		// A single bad frame must not terminate the connection
		log.WithError(err).WithFields(d.LogTags).Warnf(
			"Dropping undecodable frame %q", string(raw),
		)
		return nil
	}
	return d.Emit(event)
}

// Emit accept one already decoded event
func (d *dispatcherImpl) Emit(event Event) error {
	if err := d.tp.Submit(d.operationContext, event); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to submit %s event", event.EventType(),
		)
		return err
	}
	return nil
}

func (d *dispatcherImpl) processEvent(param interface{}) error {
	event, ok := param.(Event)
	if !ok {
		log.WithFields(d.LogTags).Errorf(
			"Can not process unknown task type %s", reflect.TypeOf(param),
		)
		return nil
	}
	d.lock.Lock()
	handlers := append([]Handler{}, d.handlers[event.EventType()]...)
	d.lock.Unlock()
	if len(handlers) == 0 {
		log.WithFields(d.LogTags).Debugf(
			"No handlers registered for %s", event.EventType(),
		)
		return nil
	}
	for _, handler := range handlers {
		d.runIsolated(handler, event)
	}
	return nil
}

// runIsolated run one handler, containing a panic to that handler only
func (d *dispatcherImpl) runIsolated(handler Handler, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(d.LogTags).Errorf(
				"Handler for %s panicked: %v", event.EventType(), recovered,
			)
		}
	}()
	handler(event)
}
