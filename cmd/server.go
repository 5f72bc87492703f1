// Copyright 2022 The livetrack Authors
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

	"github.com/alwitt/livetrack/apis"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunTrackerServer run the tracker server
func RunTrackerServer(
	runTimeContext context.Context,
	rtCancel context.CancelFunc,
	config *common.TrackerServerConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "tracker-server",
		"instance":  instance,
	}

	store, err := tracker.GetInMemoryEventStore(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event store")
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	brokerMetrics, err := tracker.GetBrokerMetrics(metricsRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker metrics")
		return err
	}

	broker, err := tracker.GetBroadcastBroker(
		store, config.Session, brokerMetrics, runTimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast broker")
		return err
	}

	generator, err := tracker.GetPositionGenerator(
		config.Generator, broker, nil, runTimeContext, rtCancel, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define position generator")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestTrackerHandler(
		localCtxt, broker, store, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Event snapshot query
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/track/snapshot", map[string]http.HandlerFunc{
			"get": httpHandler.SnapshotHandler(),
		},
	)

	// Live subscription
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/track/live", map[string]http.HandlerFunc{
			"get": httpHandler.LiveFeedHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/track/ws", map[string]http.HandlerFunc{
			"get": httpHandler.WebsocketFeedHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promhttp.HandlerFor(
			metricsRegistry, promhttp.HandlerOpts{},
		).ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
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

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// Begin generating position events
	if err := generator.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start position generator")
		return err
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop event generation
	if err := generator.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during generator stop")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
