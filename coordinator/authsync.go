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

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/identity"
)

// ConnectionControl the slice of the connection manager the auth coordinator
// drives
type ConnectionControl interface {
	Connect(ident identity.Identity) error
	Disconnect() error
}

// AuthSync keeps the gateway connection aligned with the identity lifecycle:
// an identity appearing brings the connection up, the identity going away
// tears it down terminally.
type AuthSync interface {
	// Reconcile align the connection with the current identity. Called once
	// at boot; afterwards identity change observations do the same work.
	Reconcile() error
}

// authSyncImpl implements AuthSync
type authSyncImpl struct {
	common.Component
	source identity.Source
	conn   ConnectionControl
}

// DefineAuthSync create the identity / connection coordinator. Registers
// itself as an identity change observer.
func DefineAuthSync(source identity.Source, conn ConnectionControl) (AuthSync, error) {
	logTags := log.Fields{
		"module": "coordinator", "component": "auth-sync",
	}
	if source == nil || conn == nil {
		err := fmt.Errorf("identity source and connection control are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define auth sync")
		return nil, err
	}
	instance := &authSyncImpl{
		Component: common.Component{LogTags: logTags},
		source:    source,
		conn:      conn,
	}
	source.AddObserver(instance.onIdentityChange)
	return instance, nil
}

// Reconcile align the connection with the current identity
func (a *authSyncImpl) Reconcile() error {
	ident, present := a.source.Current()
	if !present {
		log.WithFields(a.LogTags).Info("No identity present, staying offline")
		return a.conn.Disconnect()
	}
	log.WithFields(a.LogTags).Infof("Connecting as %s", ident.UserID)
	return a.conn.Connect(ident)
}

func (a *authSyncImpl) onIdentityChange(ident identity.Identity, present bool) {
	if !present {
		log.WithFields(a.LogTags).Info("Identity cleared, disconnecting")
		if err := a.conn.Disconnect(); err != nil {
			log.WithError(err).WithFields(a.LogTags).Error("Disconnect failed")
		}
		return
	}
	log.WithFields(a.LogTags).Infof("Identity changed to %s, connecting", ident.UserID)
	if err := a.conn.Connect(ident); err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Connect failed")
	}
}
