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

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/common"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// SessionSnapshot authoritative REST representation of a consultation session
type SessionSnapshot struct {
	SessionID     string     `json:"sessionId" validate:"required"`
	Status        string     `json:"status" validate:"required"`
	ExtendedUntil *time.Time `json:"extendedUntil,omitempty"`
}

// MonitoringItem authoritative REST representation of a monitored item
type MonitoringItem struct {
	ItemID      string    `json:"itemId" validate:"required"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"lastChecked"`
}

// APIClientParams platform REST API connection parameters
type APIClientParams struct {
	// BaseURL is the platform API base URL
	BaseURL string `validate:"required,url"`
	// RequestTimeout max duration of one request
	RequestTimeout time.Duration
}

// TokenProviderCB supplies the current bearer token per request
type TokenProviderCB func() string

// APIClient fetches authoritative entity snapshots from the platform API.
// The server always returns the full current snapshot, never a diff.
type APIClient interface {
	// FetchSession fetch the snapshot of one consultation session
	FetchSession(ctxt context.Context, sessionID string) (SessionSnapshot, error)
	// ListMonitoringItems fetch the full monitored item list
	ListMonitoringItems(ctxt context.Context) ([]MonitoringItem, error)
}

// apiClientImpl implements APIClient
type apiClientImpl struct {
	common.Component
	baseURL    *url.URL
	httpClient *http.Client
	token      TokenProviderCB
	validate   *validator.Validate
}

// GetAPIClient define a platform API client
func GetAPIClient(params APIClientParams, token TokenProviderCB) (APIClient, error) {
	logTags := log.Fields{
		"module": "core", "component": "api-client", "instance": params.BaseURL,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define API client")
		return nil, err
	}
	if params.RequestTimeout == 0 {
		params.RequestTimeout = time.Second * 10
	}
	baseURL, err := url.Parse(params.BaseURL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid API base URL")
		return nil, err
	}
	return &apiClientImpl{
		Component:  common.Component{LogTags: logTags},
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: params.RequestTimeout},
		token:      token,
		validate:   validate,
	}, nil
}

func (c *apiClientImpl) doGet(ctxt context.Context, path string, target interface{}) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request GET %s", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.token())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s failed", path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(
			fmt.Errorf("server returned status %d", resp.StatusCode), "GET %s failed", path,
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "failed to decode GET %s response", path)
	}
	return nil
}

// FetchSession fetch the snapshot of one consultation session
func (c *apiClientImpl) FetchSession(
	ctxt context.Context, sessionID string,
) (SessionSnapshot, error) {
	if sessionID == "" {
		return SessionSnapshot{}, fmt.Errorf("sessionID cannot be empty")
	}
	var snapshot SessionSnapshot
	path := fmt.Sprintf("api/v1/sessions/%s", sessionID)
	if err := c.doGet(ctxt, path, &snapshot); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to fetch session %s", sessionID,
		)
		return SessionSnapshot{}, err
	}
	if err := c.validate.Struct(&snapshot); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Session %s snapshot is not valid", sessionID,
		)
		return SessionSnapshot{}, err
	}
	return snapshot, nil
}

// ListMonitoringItems fetch the full monitored item list
func (c *apiClientImpl) ListMonitoringItems(ctxt context.Context) ([]MonitoringItem, error) {
	var response struct {
		Items []MonitoringItem `json:"items"`
	}
	if err := c.doGet(ctxt, "api/v1/monitoring/items", &response); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to fetch monitoring items")
		return nil, err
	}
	return response.Items, nil
}
