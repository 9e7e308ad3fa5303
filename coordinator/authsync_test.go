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
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/identity"
	"github.com/stretchr/testify/assert"
)

// fakeConnControl records connect and disconnect calls
type fakeConnControl struct {
	lock        sync.Mutex
	connects    []identity.Identity
	disconnects int
}

func (c *fakeConnControl) Connect(ident identity.Identity) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connects = append(c.connects, ident)
	return nil
}

func (c *fakeConnControl) Disconnect() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.disconnects++
	return nil
}

// staticCredStore canned credential storage
type staticCredStore struct {
	creds   identity.StoredCredentials
	present bool
}

func (s *staticCredStore) Load() (identity.StoredCredentials, bool, error) {
	return s.creds, s.present, nil
}

func TestAuthSyncReconcile(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Boot with persisted credentials
	source, err := identity.DefineSource(&staticCredStore{
		creds: identity.StoredCredentials{
			Token: "opaque-token",
			User:  identity.StoredUser{ID: "user-0"},
		},
		present: true,
	})
	assert.Nil(err)

	conn := &fakeConnControl{}
	uut, err := DefineAuthSync(source, conn)
	assert.Nil(err)

	assert.Nil(uut.Reconcile())
	assert.Len(conn.connects, 1)
	assert.Equal("user-0", conn.connects[0].UserID)
	assert.Equal(0, conn.disconnects)
}

func TestAuthSyncReconcileWithoutIdentity(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source, err := identity.DefineSource(&staticCredStore{})
	assert.Nil(err)

	conn := &fakeConnControl{}
	uut, err := DefineAuthSync(source, conn)
	assert.Nil(err)

	// No identity means the link stays down
	assert.Nil(uut.Reconcile())
	assert.Empty(conn.connects)
	assert.Equal(1, conn.disconnects)
}

func TestAuthSyncFollowsIdentityChanges(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source, err := identity.DefineSource(&staticCredStore{})
	assert.Nil(err)

	conn := &fakeConnControl{}
	_, err = DefineAuthSync(source, conn)
	assert.Nil(err)

	// Login connects
	source.Apply(identity.Identity{UserID: "user-1", Token: "opaque-token"})
	assert.Len(conn.connects, 1)
	assert.Equal("user-1", conn.connects[0].UserID)

	// Logout disconnects and the link stays down
	source.Invalidate()
	assert.Equal(1, conn.disconnects)
	assert.Len(conn.connects, 1)

	// A second logout observation changes nothing
	source.Invalidate()
	assert.Equal(1, conn.disconnects)
}
