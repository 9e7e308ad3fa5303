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

package identity

import (
	"sync"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
)

// ChangeObserverCB callback invoked when the current identity changes.
// present is false when the identity was cleared or became invalid.
type ChangeObserverCB func(ident Identity, present bool)

// Source supplies the current authenticated identity to the rest of the
// subsystem. The host environment feeds identity changes through Apply and
// Invalidate; the core never reaches into platform globals directly.
type Source interface {
	// Current read the identity snapshot
	Current() (Identity, bool)
	// Apply install a new identity. Invalid identities are treated as a clear.
	Apply(ident Identity)
	// Invalidate clear the current identity
	Invalidate()
	// AddObserver register for identity change notifications
	AddObserver(cb ChangeObserverCB)
}

// sourceImpl implements Source
type sourceImpl struct {
	common.Component
	lock      sync.Mutex
	current   Identity
	present   bool
	observers []ChangeObserverCB
}

// DefineSource create a Source seeded from durable storage. A store read
// failure degrades to "unauthenticated" rather than blocking boot.
func DefineSource(store CredentialStore) (Source, error) {
	logTags := log.Fields{
		"module": "identity", "component": "source",
	}
	instance := &sourceImpl{
		Component: common.Component{LogTags: logTags},
	}
	creds, present, err := store.Load()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Credential load failed. Starting unauthenticated",
		)
		return instance, nil
	}
	if present {
		ident := Identity{UserID: creds.User.ID, Token: creds.Token}
		if ident.Valid() {
			instance.current = ident
			instance.present = true
			log.WithFields(logTags).Infof("Booted with identity of user %s", ident.UserID)
		} else {
			log.WithFields(logTags).Warn("Persisted identity is expired. Ignored")
		}
	}
	return instance, nil
}

// Current read the identity snapshot
func (s *sourceImpl) Current() (Identity, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current, s.present
}

// Apply install a new identity
func (s *sourceImpl) Apply(ident Identity) {
	if !ident.Valid() {
		s.Invalidate()
		return
	}
	s.lock.Lock()
	if s.present && s.current == ident {
		s.lock.Unlock()
		return
	}
	s.current = ident
	s.present = true
	observers := append([]ChangeObserverCB{}, s.observers...)
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof("Identity changed to user %s", ident.UserID)
	for _, cb := range observers {
		cb(ident, true)
	}
}

// Invalidate clear the current identity
func (s *sourceImpl) Invalidate() {
	s.lock.Lock()
	if !s.present {
		s.lock.Unlock()
		return
	}
	s.current = Identity{}
	s.present = false
	observers := append([]ChangeObserverCB{}, s.observers...)
	s.lock.Unlock()
	log.WithFields(s.LogTags).Info("Identity cleared")
	for _, cb := range observers {
		cb(Identity{}, false)
	}
}

// AddObserver register for identity change notifications
func (s *sourceImpl) AddObserver(cb ChangeObserverCB) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.observers = append(s.observers, cb)
}
