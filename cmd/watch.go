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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/breachwatch/livewire/apis"
	"github.com/breachwatch/livewire/common"
	"github.com/breachwatch/livewire/connection"
	"github.com/breachwatch/livewire/coordinator"
	"github.com/breachwatch/livewire/core"
	"github.com/breachwatch/livewire/dispatch"
	"github.com/breachwatch/livewire/identity"
	"github.com/breachwatch/livewire/poller"
	"github.com/breachwatch/livewire/subscription"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunWatchDaemon run the watch daemon: gateway link, event dispatch, fallback
// polling, and the local control API
func RunWatchDaemon(
	config common.SystemConfig,
	instance string,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Identity

	credStore, err := identity.GetFileCredentialStore(config.Identity.CredentialsFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define credential store")
		return err
	}
	identSource, err := identity.DefineSource(credStore)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define identity source")
		return err
	}

	// -------------------------------------------------------------------
	// Event dispatch

	dispatcher, err := dispatch.DefineDispatcher(instance, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define dispatcher")
		return err
	}
	if err := dispatcher.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start dispatcher")
		return err
	}

	// -------------------------------------------------------------------
	// Gateway link

	dialer, err := core.GetGatewayDialer(core.GatewayParams{
		URL:              config.Gateway.URL,
		HandshakeTimeout: time.Second * time.Duration(config.Gateway.HandshakeTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define gateway dialer")
		return err
	}
	connMgr, err := connection.DefineManager(
		instance,
		connection.ManagerParams{
			Dialer: dialer,
			OnFrame: func(raw []byte) {
				if err := dispatcher.OnFrame(raw); err != nil {
					log.WithError(err).WithFields(logTags).Error("Frame dispatch failed")
				}
			},
			Reconnect:    config.Gateway.Reconnect,
			PingInterval: time.Second * time.Duration(config.Gateway.PingInterval),
		},
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection manager")
		return err
	}

	registry, err := subscription.DefineRegistry(connMgr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define subscription registry")
		return err
	}
	connMgr.SetReplayCB(registry.ReplayAll)

	// -------------------------------------------------------------------
	// Platform API access

	apiClient, err := core.GetAPIClient(
		core.APIClientParams{
			BaseURL:        config.API.BaseURL,
			RequestTimeout: time.Second * time.Duration(config.API.RequestTimeout),
		},
		func() string {
			ident, present := identSource.Current()
			if !present {
				return ""
			}
			return ident.Token
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define API client")
		return err
	}

	// -------------------------------------------------------------------
	// Consumer coordinators

	alertFeed, err := coordinator.DefineAlertFeed(
		coordinator.AlertFeedParams{
			RetentionLimit: config.Alerts.RetentionLimit,
			DedupWindow:    time.Second * time.Duration(config.Alerts.DedupWindowSec),
		},
		dispatcher,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define alert feed")
		return err
	}
	chatSessions, err := coordinator.DefineChatSessions(
		registry, connMgr, dispatcher, alertFeed.Push,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define chat sessions")
		return err
	}
	monitoring, err := coordinator.DefineMonitoring(apiClient, dispatcher, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define monitoring view")
		return err
	}

	fallback, err := poller.DefinePoller(
		poller.PollerParams{
			Fetcher:         apiClient,
			Applied:         chatSessions,
			Sink:            dispatcher,
			DefaultInterval: time.Millisecond * time.Duration(config.Poller.IntervalMS),
		},
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define fallback poller")
		return err
	}

	authSync, err := coordinator.DefineAuthSync(identSource, connMgr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define auth sync")
		return err
	}

	// -------------------------------------------------------------------
	// Baseline subscriptions and initial state

	for _, topic := range []common.Topic{
		common.TopicMonitoring, common.TopicAlerts, common.TopicSystem,
	} {
		if _, err := registry.Subscribe(topic, ""); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to register baseline subscription %s", topic,
			)
			return err
		}
	}

	if err := authSync.Reconcile(); err != nil {
		// The daemon still runs; the identity observer retries on change
		log.WithError(err).WithFields(logTags).Warn("Initial gateway connect failed")
	}

	if _, present := identSource.Current(); present {
		refreshCtxt, cancel := context.WithTimeout(localCtxt, time.Second*10)
		if err := monitoring.Refresh(refreshCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Initial monitoring fetch failed")
		}
		cancel()
	}

	// -------------------------------------------------------------------
	// Start the control HTTP server

	httpHandler, err := apis.GetAPIRestControlHandler(
		connMgr, registry, alertFeed, chatSessions, fallback,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Status.PathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/status", map[string]http.HandlerFunc{
		"get": httpHandler.GetStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/reconnect", map[string]http.HandlerFunc{
		"post": httpHandler.ForceReconnectHandler(),
	})

	alertsRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/alerts", map[string]http.HandlerFunc{
			"get": httpHandler.GetAlertsHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(alertsRouter, "/read", map[string]http.HandlerFunc{
		"post": httpHandler.MarkAllAlertsReadHandler(),
	})
	_ = apis.RegisterPathPrefix(alertsRouter, "/{alertID}/read", map[string]http.HandlerFunc{
		"post": httpHandler.MarkAlertReadHandler(),
	})

	sessionRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/sessions/{sessionID}", nil,
	)
	_ = apis.RegisterPathPrefix(sessionRouter, "/open", map[string]http.HandlerFunc{
		"post": httpHandler.OpenSessionHandler(),
	})
	_ = apis.RegisterPathPrefix(sessionRouter, "/close", map[string]http.HandlerFunc{
		"post": httpHandler.CloseSessionHandler(),
	})
	_ = apis.RegisterPathPrefix(sessionRouter, "/messages", map[string]http.HandlerFunc{
		"get":  httpHandler.GetSessionMessagesHandler(),
		"post": httpHandler.SendSessionMessageHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf("%s:%d", config.Status.ListenOn, config.Status.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Status.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Status.WriteTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started control server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	fallback.StopAll()
	alertFeed.Stop()
	if err := connMgr.Disconnect(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during gateway disconnect")
	}
	if err := dispatcher.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during dispatcher stop")
	}

	return nil
}
