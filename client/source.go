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

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alwitt/livetrack/apis"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
)

// EventFeed an established live event stream
type EventFeed interface {
	// NextEvent blocks until the next event arrives or the feed fails
	NextEvent(ctxt context.Context) (tracker.PositionEvent, error)
	// Close terminates the feed
	Close() error
}

// EventSource access to a tracker server's snapshot query and live feed
type EventSource interface {
	// Snapshot fetches all events recorded so far
	Snapshot(ctxt context.Context) ([]tracker.PositionEvent, error)
	// OpenFeed establishes a live event feed, optionally resuming after a
	// known sequence number
	OpenFeed(ctxt context.Context, resumeAfterSeq *uint64) (EventFeed, error)
}

// restEventSourceImpl implements EventSource against the tracker REST APIs
type restEventSourceImpl struct {
	common.Component
	serverURI string
	client    *http.Client
}

// GetRESTEventSource define an EventSource against a tracker API server.
//
// The HTTP client must not impose a request timeout; the live feed is a
// long lived response stream.
func GetRESTEventSource(serverURI string, client *http.Client) (EventSource, error) {
	logTags := log.Fields{
		"module": "client", "component": "rest-event-source", "server": serverURI,
	}
	if _, err := url.Parse(serverURI); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server URI")
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &restEventSourceImpl{
		Component: common.Component{LogTags: logTags},
		serverURI: serverURI,
		client:    client,
	}, nil
}

// Snapshot fetches all events recorded so far
func (s *restEventSourceImpl) Snapshot(ctxt context.Context) ([]tracker.PositionEvent, error) {
	target := fmt.Sprintf("%s/v1/track/snapshot", s.serverURI)
	request, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define snapshot request")
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Snapshot query failed")
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		err := fmt.Errorf("snapshot query returned %d", response.StatusCode)
		log.WithError(err).WithFields(s.LogTags).Error("Snapshot query failed")
		return nil, err
	}
	var parsed apis.APIRestRespSnapshot
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to parse snapshot response")
		return nil, err
	}
	if !parsed.Success {
		err := fmt.Errorf("snapshot query not successful")
		log.WithError(err).WithFields(s.LogTags).Error("Snapshot query failed")
		return nil, err
	}
	log.WithFields(s.LogTags).Debugf("Fetched snapshot of %d events", parsed.Count)
	return parsed.Events, nil
}

// OpenFeed establishes a live event feed
func (s *restEventSourceImpl) OpenFeed(
	ctxt context.Context, resumeAfterSeq *uint64,
) (EventFeed, error) {
	target := fmt.Sprintf("%s/v1/track/live", s.serverURI)
	if resumeAfterSeq != nil {
		target = fmt.Sprintf(
			"%s?resume_after_seq=%s", target, strconv.FormatUint(*resumeAfterSeq, 10),
		)
	}
	feedCtxt, cancel := context.WithCancel(ctxt)
	request, err := http.NewRequestWithContext(feedCtxt, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define live feed request")
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open live feed")
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		cancel()
		_ = response.Body.Close()
		err := fmt.Errorf("live feed returned %d", response.StatusCode)
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open live feed")
		return nil, err
	}
	log.WithFields(s.LogTags).Info("Opened live feed")
	return &restEventFeedImpl{
		Component: common.Component{LogTags: s.LogTags},
		body:      response.Body,
		scanner:   bufio.NewScanner(response.Body),
		cancel:    cancel,
	}, nil
}

// restEventFeedImpl implements EventFeed over a newline-delimited JSON stream
type restEventFeedImpl struct {
	common.Component
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// NextEvent blocks until the next event arrives or the feed fails
func (f *restEventFeedImpl) NextEvent(ctxt context.Context) (tracker.PositionEvent, error) {
	for {
		if err := ctxt.Err(); err != nil {
			return tracker.PositionEvent{}, err
		}
		if !f.scanner.Scan() {
			err := f.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			return tracker.PositionEvent{}, err
		}
		line := f.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame apis.APIRestRespPositionEvent
		if err := json.Unmarshal(line, &frame); err != nil {
			log.WithError(err).WithFields(f.LogTags).Error("Unable to parse feed frame")
			return tracker.PositionEvent{}, err
		}
		if !frame.Success {
			// Stream terminating status frame from the server
			return tracker.PositionEvent{}, io.EOF
		}
		// The final success frame of a stream carries no event
		if frame.Event.ID == "" {
			continue
		}
		return frame.Event, nil
	}
}

// Close terminates the feed
func (f *restEventFeedImpl) Close() error {
	f.cancel()
	return f.body.Close()
}
