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
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity the authenticated identity the subsystem operates as
type Identity struct {
	// UserID is the platform user ID
	UserID string `json:"user_id"`
	// Token is the bearer token presented to the gateway and the API
	Token string `json:"-"`
}

// Valid whether the identity can be used to open a connection. A token
// carrying a parseable JWT exp claim in the past is invalid; tokens that do
// not parse as JWT are treated as opaque and assumed live.
func (i Identity) Valid() bool {
	if i.UserID == "" || i.Token == "" {
		return false
	}
	return !tokenExpired(i.Token, time.Now())
}

func tokenExpired(token string, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Opaque token
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
