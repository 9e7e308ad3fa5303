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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/core"
	"github.com/breachwatch/livewire/dispatch"
)

// MonitoringLister fetches the full monitored item list over REST
type MonitoringLister interface {
	ListMonitoringItems(ctxt context.Context) ([]core.MonitoringItem, error)
}

// Monitoring maintains the local view of monitored breach targets. Push
// updates patch known items in place; an update for an item the view has
// never seen triggers a full refetch, since a partial patch of an unknown
// item cannot produce a coherent record.
type Monitoring interface {
	// Refresh replace the view with a freshly fetched item list
	Refresh(ctxt context.Context) error
	// Items snapshot of the current view
	Items() []core.MonitoringItem
	// Item look up one item by ID
	Item(itemID string) (core.MonitoringItem, bool)
}

// monitoringImpl implements Monitoring
type monitoringImpl struct {
	common.Component
	lock     sync.Mutex
	lister   MonitoringLister
	rootCtxt context.Context
	items    map[string]core.MonitoringItem
	order    []string
}

// DefineMonitoring create the monitoring view coordinator and register its
// push update handler
func DefineMonitoring(
	lister MonitoringLister, dispatcher dispatch.Dispatcher, rootCtxt context.Context,
) (Monitoring, error) {
	logTags := log.Fields{
		"module": "coordinator", "component": "monitoring",
	}
	if lister == nil || dispatcher == nil {
		err := fmt.Errorf("monitoring lister and dispatcher are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define monitoring view")
		return nil, err
	}
	instance := &monitoringImpl{
		Component: common.Component{LogTags: logTags},
		lister:    lister,
		rootCtxt:  rootCtxt,
		items:     make(map[string]core.MonitoringItem),
	}
	dispatcher.AddHandler(dispatch.EventTypeMonitoringUpdate, instance.onUpdate)
	return instance, nil
}

// Refresh replace the view with a freshly fetched item list
func (m *monitoringImpl) Refresh(ctxt context.Context) error {
	fetched, err := m.lister.ListMonitoringItems(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Monitoring refresh failed")
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.items = make(map[string]core.MonitoringItem, len(fetched))
	m.order = m.order[:0]
	for _, item := range fetched {
		m.items[item.ItemID] = item
		m.order = append(m.order, item.ItemID)
	}
	log.WithFields(m.LogTags).Infof("Refreshed %d monitored items", len(fetched))
	return nil
}

// Items snapshot of the current view
func (m *monitoringImpl) Items() []core.MonitoringItem {
	m.lock.Lock()
	defer m.lock.Unlock()
	result := make([]core.MonitoringItem, 0, len(m.order))
	for _, itemID := range m.order {
		result = append(result, m.items[itemID])
	}
	return result
}

// Item look up one item by ID
func (m *monitoringImpl) Item(itemID string) (core.MonitoringItem, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	item, known := m.items[itemID]
	return item, known
}

func (m *monitoringImpl) onUpdate(event dispatch.Event) {
	update, ok := event.(dispatch.MonitoringUpdate)
	if !ok {
		return
	}
	m.lock.Lock()
	item, known := m.items[update.ItemID]
	if known {
		if update.Status != "" {
			item.Status = update.Status
		}
		if !update.LastChecked.IsZero() {
			item.LastChecked = update.LastChecked
		}
		m.items[update.ItemID] = item
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debugf(
			"Patched item %s to %s", update.ItemID, item.Status,
		)
		return
	}
	m.lock.Unlock()
	// Unknown item; the push patch alone cannot build the record
	log.WithFields(m.LogTags).Infof(
		"Update for unknown item %s, refetching list", update.ItemID,
	)
	refreshCtxt, cancel := context.WithTimeout(m.rootCtxt, time.Second*10)
	defer cancel()
	if err := m.Refresh(refreshCtxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warn(
			"Refetch after unknown item update failed",
		)
	}
}
