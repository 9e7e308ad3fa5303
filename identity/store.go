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
	"encoding/json"
	"os"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
)

// StoredUser durable user profile as persisted by the host application
type StoredUser struct {
	ID           string  `json:"id" validate:"required"`
	Email        string  `json:"email"`
	FirstName    string  `json:"firstName"`
	LastName     string  `json:"lastName"`
	Subscription *string `json:"subscription,omitempty"`
}

// StoredCredentials durable credential format read at boot
type StoredCredentials struct {
	Token string     `json:"token"`
	User  StoredUser `json:"user"`
}

// CredentialStore reads persisted credentials from durable client storage
type CredentialStore interface {
	// Load read the persisted credentials. A missing store or an empty token
	// means "unauthenticated" and is not an error.
	Load() (StoredCredentials, bool, error)
}

// fileCredentialStoreImpl implements CredentialStore over a JSON file
type fileCredentialStoreImpl struct {
	common.Component
	path string
}

// GetFileCredentialStore define a CredentialStore backed by a JSON file
func GetFileCredentialStore(path string) (CredentialStore, error) {
	logTags := log.Fields{
		"module": "identity", "component": "credential-store", "path": path,
	}
	return &fileCredentialStoreImpl{
		Component: common.Component{LogTags: logTags}, path: path,
	}, nil
}

// Load read the persisted credentials
func (s *fileCredentialStoreImpl) Load() (StoredCredentials, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithFields(s.LogTags).Info("No persisted credentials found")
			return StoredCredentials{}, false, nil
		}
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read credential store")
		return StoredCredentials{}, false, err
	}
	var creds StoredCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Credential store is malformed")
		return StoredCredentials{}, false, err
	}
	if creds.Token == "" {
		log.WithFields(s.LogTags).Info("Credential store holds no token")
		return StoredCredentials{}, false, nil
	}
	return creds, true, nil
}
