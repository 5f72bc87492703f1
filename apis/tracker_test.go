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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Livetrack-Request-ID"},
	}
}

func testPositionEvent(entityID string) tracker.PositionEvent {
	return tracker.PositionEvent{
		ID:          uuid.New().String(),
		EntityID:    entityID,
		DisplayName: fmt.Sprintf("Entity %s", entityID),
		Latitude:    48.2,
		Longitude:   16.37,
		EmittedAt:   time.Now().UTC(),
	}
}

// waitForSessionCount poll until the broker reports the wanted session count
func waitForSessionCount(
	ctxt context.Context, broker tracker.BroadcastBroker, want int,
) error {
	for {
		count, err := broker.ActiveSessions(ctxt)
		if err != nil {
			return err
		}
		if count == want {
			return nil
		}
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		case <-time.After(time.Millisecond * 10):
		}
	}
}

func TestTrackerAPISnapshot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tracker.GetInMemoryEventStore("testing")
	assert.Nil(err)
	broker, err := tracker.GetBroadcastBroker(
		store, common.SessionConfig{BufferSize: 8}, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uut, err := GetAPIRestTrackerHandler(ctxt, broker, store, testHTTPConfig())
	assert.Nil(err)

	// Case 0: empty store
	{
		req, err := http.NewRequest("GET", "/v1/track/snapshot", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.SnapshotHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespSnapshot
		assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&resp))
		assert.True(resp.Success)
		assert.Equal(0, resp.Count)
	}

	// Case 1: snapshot after publishes
	{
		useContext, lclCancel := context.WithTimeout(ctxt, time.Second*5)
		defer lclCancel()
		assert.Nil(broker.Publish(useContext, testPositionEvent("unit-001")))
		assert.Nil(broker.Publish(useContext, testPositionEvent("unit-002")))

		req, err := http.NewRequest("GET", "/v1/track/snapshot", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.SnapshotHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespSnapshot
		assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&resp))
		assert.True(resp.Success)
		assert.Equal(2, resp.Count)
		assert.Len(resp.Events, 2)
		assert.Equal(uint64(1), resp.Events[0].Sequence)
		assert.Equal(uint64(2), resp.Events[1].Sequence)
	}
}

func TestTrackerAPIHealthChecks(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tracker.GetInMemoryEventStore("testing")
	assert.Nil(err)
	broker, err := tracker.GetBroadcastBroker(
		store, common.SessionConfig{BufferSize: 8}, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uut, err := GetAPIRestTrackerHandler(ctxt, broker, store, testHTTPConfig())
	assert.Nil(err)

	// Case 0: alive
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: ready while the broker loop is responsive
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: not ready once the runtime context ended
	{
		expired, lclCancel := context.WithCancel(context.Background())
		lclCancel()
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		req = req.WithContext(expired)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}

func TestTrackerAPILiveFeed(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tracker.GetInMemoryEventStore("testing")
	assert.Nil(err)
	broker, err := tracker.GetBroadcastBroker(
		store, common.SessionConfig{BufferSize: 8}, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uut, err := GetAPIRestTrackerHandler(ctxt, broker, store, testHTTPConfig())
	assert.Nil(err)

	svr := httptest.NewServer(uut.LiveFeedHandler())
	defer svr.Close()

	useContext, lclCancel := context.WithTimeout(ctxt, time.Second*10)
	defer lclCancel()

	// Case 0: malformed resume parameter
	{
		resp, err := http.Get(fmt.Sprintf("%s?resume_after_seq=abc", svr.URL))
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 1: events published while subscribed arrive as JSON lines
	{
		reqContext, reqCancel := context.WithCancel(useContext)
		req, err := http.NewRequestWithContext(reqContext, "GET", svr.URL, nil)
		assert.Nil(err)
		resp, err := (&http.Client{}).Do(req)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)

		assert.Nil(waitForSessionCount(useContext, broker, 1))
		published := []tracker.PositionEvent{
			testPositionEvent("unit-001"), testPositionEvent("unit-002"),
		}
		for _, event := range published {
			assert.Nil(broker.Publish(useContext, event))
		}

		reader := bufio.NewReader(resp.Body)
		for idx, expected := range published {
			line, err := reader.ReadBytes('\n')
			assert.Nil(err)
			var frame APIRestRespPositionEvent
			assert.Nil(json.Unmarshal(line, &frame))
			assert.True(frame.Success)
			assert.Equal(expected.ID, frame.Event.ID)
			assert.Equal(uint64(idx+1), frame.Event.Sequence)
		}

		// Disconnect ends the session on the broker side
		reqCancel()
		assert.Nil(resp.Body.Close())
		assert.Nil(waitForSessionCount(useContext, broker, 0))
	}

	// Case 2: resuming replays events missed since the given sequence
	{
		reqContext, reqCancel := context.WithCancel(useContext)
		defer reqCancel()
		req, err := http.NewRequestWithContext(
			reqContext, "GET", fmt.Sprintf("%s?resume_after_seq=1", svr.URL), nil,
		)
		assert.Nil(err)
		resp, err := (&http.Client{}).Do(req)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		defer func() {
			_ = resp.Body.Close()
		}()

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadBytes('\n')
		assert.Nil(err)
		var frame APIRestRespPositionEvent
		assert.Nil(json.Unmarshal(line, &frame))
		assert.True(frame.Success)
		assert.Equal(uint64(2), frame.Event.Sequence)
	}
}

func TestTrackerAPIWebsocketFeed(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := tracker.GetInMemoryEventStore("testing")
	assert.Nil(err)
	broker, err := tracker.GetBroadcastBroker(
		store, common.SessionConfig{BufferSize: 8}, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uut, err := GetAPIRestTrackerHandler(ctxt, broker, store, testHTTPConfig())
	assert.Nil(err)

	svr := httptest.NewServer(uut.WebsocketFeedHandler())
	defer svr.Close()

	useContext, lclCancel := context.WithTimeout(ctxt, time.Second*10)
	defer lclCancel()

	wsURL := strings.Replace(svr.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.DialContext(useContext, wsURL, nil)
	assert.Nil(err)

	assert.Nil(waitForSessionCount(useContext, broker, 1))
	published := testPositionEvent("unit-001")
	assert.Nil(broker.Publish(useContext, published))

	var frame APIRestRespPositionEvent
	assert.Nil(conn.ReadJSON(&frame))
	assert.True(frame.Success)
	assert.Equal(published.ID, frame.Event.ID)
	assert.Equal(uint64(1), frame.Event.Sequence)

	// Closing the peer tears the session down
	assert.Nil(conn.Close())
	assert.Nil(waitForSessionCount(useContext, broker, 0))
}
