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
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// NotificationRecord one entry of the alert feed
type NotificationRecord struct {
	// ID unique record ID
	ID string `json:"id"`
	// Type alert category, e.g. breach_detected
	Type string `json:"type"`
	// Title short headline
	Title string `json:"title"`
	// Message full alert text
	Message string `json:"message"`
	// Priority severity of the alert
	Priority string `json:"priority"`
	// IsRead whether the user has seen this record
	IsRead bool `json:"isRead"`
	// CreatedAt record creation time
	CreatedAt time.Time `json:"createdAt"`
	// RelatedSessionID consultation session this alert refers to, if any
	RelatedSessionID string `json:"relatedSessionId,omitempty"`
}

// AlertFeed the bounded in-memory alert feed. Newest records sit at the
// front; the feed never grows past the retention limit, evicting the oldest
// on overflow. The unread counter tracks local reads but yields to the
// server's authoritative count whenever one is pushed.
type AlertFeed interface {
	// Push append a locally generated record to the feed
	Push(record NotificationRecord)
	// Records snapshot of the feed, newest first
	Records() []NotificationRecord
	// UnreadCount current unread record count
	UnreadCount() int
	// MarkRead mark one record as read
	MarkRead(recordID string) error
	// MarkAllRead mark every record as read and zero the unread count
	MarkAllRead()
	// Stop release the feed's background resources
	Stop()
}

// AlertFeedParams parameters for defining an alert feed
type AlertFeedParams struct {
	// RetentionLimit max records held in the feed
	RetentionLimit int `validate:"required,gte=1"`
	// DedupWindow window within which a repeated alert ID is dropped
	DedupWindow time.Duration
}

// alertFeedImpl implements AlertFeed
type alertFeedImpl struct {
	common.Component
	lock      sync.Mutex
	retention int
	records   []NotificationRecord
	unread    int
	seen      *ttlcache.Cache[string, bool]
}

// DefineAlertFeed create the alert feed and register its push handlers
func DefineAlertFeed(
	params AlertFeedParams, dispatcher dispatch.Dispatcher,
) (AlertFeed, error) {
	logTags := log.Fields{
		"module": "coordinator", "component": "alert-feed",
	}
	if params.RetentionLimit < 1 {
		err := fmt.Errorf("retention limit must be at least 1")
		log.WithError(err).WithFields(logTags).Error("Unable to define alert feed")
		return nil, err
	}
	if params.DedupWindow <= 0 {
		params.DedupWindow = time.Minute * 5
	}
	if dispatcher == nil {
		err := fmt.Errorf("dispatcher is required")
		log.WithError(err).WithFields(logTags).Error("Unable to define alert feed")
		return nil, err
	}
	seen := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](params.DedupWindow),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go seen.Start()
	instance := &alertFeedImpl{
		Component: common.Component{LogTags: logTags},
		retention: params.RetentionLimit,
		seen:      seen,
	}
	dispatcher.AddHandler(dispatch.EventTypeAlertNotification, instance.onAlert)
	dispatcher.AddHandler(dispatch.EventTypeUnreadCountUpdate, instance.onUnreadCount)
	return instance, nil
}

// Push append a locally generated record to the feed
func (a *alertFeedImpl) Push(record NotificationRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.insertLocked(record)
}

// Records snapshot of the feed, newest first
func (a *alertFeedImpl) Records() []NotificationRecord {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]NotificationRecord{}, a.records...)
}

// UnreadCount current unread record count
func (a *alertFeedImpl) UnreadCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.unread
}

// MarkRead mark one record as read
func (a *alertFeedImpl) MarkRead(recordID string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for idx, record := range a.records {
		if record.ID != recordID {
			continue
		}
		if !record.IsRead {
			a.records[idx].IsRead = true
			if a.unread > 0 {
				a.unread--
			}
		}
		return nil
	}
	return fmt.Errorf("no record with ID %s", recordID)
}

// MarkAllRead mark every record as read and zero the unread count
func (a *alertFeedImpl) MarkAllRead() {
	a.lock.Lock()
	defer a.lock.Unlock()
	for idx := range a.records {
		a.records[idx].IsRead = true
	}
	a.unread = 0
	log.WithFields(a.LogTags).Debug("Marked all records read")
}

// Stop release the feed's background resources
func (a *alertFeedImpl) Stop() {
	a.seen.Stop()
	log.WithFields(a.LogTags).Debug("Stopped dedup cache janitor")
}

// insertLocked prepend a record and enforce the retention limit. Caller
// holds the lock.
func (a *alertFeedImpl) insertLocked(record NotificationRecord) {
	a.records = append([]NotificationRecord{record}, a.records...)
	for len(a.records) > a.retention {
		evicted := a.records[len(a.records)-1]
		a.records = a.records[:len(a.records)-1]
		if !evicted.IsRead && a.unread > 0 {
			a.unread--
		}
		log.WithFields(a.LogTags).Debugf("Evicted oldest record %s", evicted.ID)
	}
	if !record.IsRead {
		a.unread++
	}
}

func (a *alertFeedImpl) onAlert(event dispatch.Event) {
	alert, ok := event.(dispatch.AlertNotification)
	if !ok {
		return
	}
	if alert.ID != "" {
		if a.seen.Has(alert.ID) {
			log.WithFields(a.LogTags).Debugf("Duplicate alert %s dropped", alert.ID)
			return
		}
		a.seen.Set(alert.ID, true, ttlcache.DefaultTTL)
	}
	record := NotificationRecord{
		ID:               alert.ID,
		Type:             alert.Payload.Type,
		Title:            alert.Payload.Title,
		Message:          alert.Payload.Message,
		Priority:         alert.Severity,
		CreatedAt:        time.Now().UTC(),
		RelatedSessionID: alert.Payload.RelatedSessionID,
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.insertLocked(record)
	log.WithFields(a.LogTags).Infof(
		"Alert %s (%s): %s", record.ID, record.Priority, record.Title,
	)
}

func (a *alertFeedImpl) onUnreadCount(event dispatch.Event) {
	update, ok := event.(dispatch.UnreadCountUpdate)
	if !ok {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	// Server count wins over any local bookkeeping
	a.unread = update.Count
	log.WithFields(a.LogTags).Debugf("Unread count set to %d by server", update.Count)
}
