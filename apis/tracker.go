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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIRestTrackerHandler REST handler for the position tracker APIs
type APIRestTrackerHandler struct {
	APIRestHandler
	broker      tracker.BroadcastBroker
	store       tracker.EventStore
	baseContext context.Context
	wsUpgrader  websocket.Upgrader
}

// GetAPIRestTrackerHandler define APIRestTrackerHandler
func GetAPIRestTrackerHandler(
	baseContext context.Context,
	broker tracker.BroadcastBroker,
	store tracker.EventStore,
	httpConfig *common.HTTPConfig,
) (APIRestTrackerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "tracker",
	}
	return APIRestTrackerHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		broker:      broker,
		store:       store,
		baseContext: baseContext,
		wsUpgrader: websocket.Upgrader{
			// The viewer UI is served from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// =======================================================================
// Event snapshot query

// APIRestRespSnapshot response wrapper for a full event store snapshot
type APIRestRespSnapshot struct {
	StandardResponse
	// Count is the number of events in the snapshot
	Count int `json:"count"`
	// Events is the ordered sequence of all events observed so far
	Events []tracker.PositionEvent `json:"events"`
}

// Snapshot query for all position events recorded so far
func (h APIRestTrackerHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/track/snapshot"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)

	events := h.store.Snapshot()
	log.WithFields(localLogTags).Debugf("Snapshot contains %d events", len(events))
	resp := APIRestRespSnapshot{
		StandardResponse: getStdRESTSuccessMsg(), Count: len(events), Events: events,
	}
	h.reply(w, http.StatusOK, resp, restCall)
}

// SnapshotHandler Wrapper around Snapshot
func (h APIRestTrackerHandler) SnapshotHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Snapshot(w, r)
	})
}

// =======================================================================
// Live subscription

// APIRestRespPositionEvent wrapper object for one event on the live feed
type APIRestRespPositionEvent struct {
	StandardResponse
	// Event is the delivered position event
	Event tracker.PositionEvent `json:"event"`
}

// readResumeAfterSeq parse the optional resume_after_seq query parameter
func readResumeAfterSeq(r *http.Request) (*uint64, error) {
	values, ok := r.URL.Query()["resume_after_seq"]
	if !ok {
		return nil, nil
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("multiple resume_after_seq values")
	}
	seq, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

// LiveFeed establish a live position event subscription for a client. This is
// a long lived newline-delimited JSON stream. The stream closes on client
// disconnect, server shutdown, or server internal error.
func (h APIRestTrackerHandler) LiveFeed(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/track/live"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, restCall)
	}()

	// Send support headers for long lived response streams first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	resumeAfterSeq, err := readResumeAfterSeq(r)
	if err != nil {
		msg := "Unable to parse resume_after_seq"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}

	// Open the stream at once so the client sees the response headers
	// before the first event arrives
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	// Terminate the feed when either the request ends or the server stops
	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()

	session, err := h.broker.Subscribe(runtimeCtxt, resumeAfterSeq)
	if err != nil {
		msg := "Unable to subscribe"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
		return
	}
	defer func() {
		if err := h.broker.Unsubscribe(h.baseContext, session.ID()); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to unsubscribe session %s", session.ID(),
			)
		}
	}()
	log.WithFields(localLogTags).Infof("Started live feed on session %s", session.ID())

	for {
		event, err := session.NextEvent(runtimeCtxt)
		if err != nil {
			if r.Context().Err() != nil {
				// Request closed
				log.WithFields(localLogTags).Info("Terminating live feed on request end")
				respCode = http.StatusOK
				respBody = getStdRESTSuccessMsg()
			} else if errors.Is(err, tracker.ErrSessionClosed) || h.baseContext.Err() != nil {
				// Server stopping
				log.WithFields(localLogTags).Info("Terminating live feed on server stop")
				msg := "Server stopping"
				respCode = http.StatusInternalServerError
				respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			} else {
				msg := "Session read failure"
				log.WithError(err).WithFields(localLogTags).Errorf(msg)
				respCode = http.StatusInternalServerError
				respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			}
			break
		}
		frame := APIRestRespPositionEvent{
			StandardResponse: getStdRESTSuccessMsg(), Event: event,
		}
		serialize, err := json.Marshal(&frame)
		if err != nil {
			msg := "Failed to serialize event for transmission"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			break
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			msg := "Failed to transmit event"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			respBody = getStdRESTErrorMsg(http.StatusInternalServerError, &msg)
			break
		}
		log.WithFields(localLogTags).Debugf("Written %dB", written)
	}
	// On final flush
	writeFlusher.Flush()
}

// LiveFeedHandler Wrapper around LiveFeed
func (h APIRestTrackerHandler) LiveFeedHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.LiveFeed(w, r)
	})
}

// -----------------------------------------------------------------------

// WebsocketFeed establish a live position event subscription over a
// websocket. Each event is delivered as one JSON message.
func (h APIRestTrackerHandler) WebsocketFeed(w http.ResponseWriter, r *http.Request) {
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)

	resumeAfterSeq, err := readResumeAfterSeq(r)
	if err != nil {
		msg := "Unable to parse resume_after_seq"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(
			w,
			http.StatusBadRequest,
			getStdRESTErrorMsg(http.StatusBadRequest, &msg),
			"GET /v1/track/ws",
		)
		return
	}

	conn, err := h.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Websocket close failed")
		}
	}()

	// Terminate the feed when the peer disconnects or the server stops
	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	session, err := h.broker.Subscribe(runtimeCtxt, resumeAfterSeq)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to subscribe")
		return
	}
	defer func() {
		if err := h.broker.Unsubscribe(h.baseContext, session.ID()); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to unsubscribe session %s", session.ID(),
			)
		}
	}()
	log.WithFields(localLogTags).Infof("Started websocket feed on session %s", session.ID())

	for {
		event, err := session.NextEvent(runtimeCtxt)
		if err != nil {
			log.WithFields(localLogTags).Info("Terminating websocket feed")
			return
		}
		frame := APIRestRespPositionEvent{
			StandardResponse: getStdRESTSuccessMsg(), Event: event,
		}
		if err := conn.WriteJSON(&frame); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Websocket write failed")
			return
		}
	}
}

// WebsocketFeedHandler Wrapper around WebsocketFeed
func (h APIRestTrackerHandler) WebsocketFeedHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.WebsocketFeed(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestTrackerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestTrackerHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready readiness check. Ready once the broker event loop is responsive.
func (h APIRestTrackerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /ready"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)
	if _, err := h.broker.ActiveSessions(r.Context()); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Error("Broker not responsive")
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			restCall,
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// ReadyHandler Wrapper around Ready
func (h APIRestTrackerHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
