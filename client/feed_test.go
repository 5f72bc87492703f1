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
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/stretchr/testify/assert"
)

// scriptedFeed implements EventFeed over a fixed event list
type scriptedFeed struct {
	events []tracker.PositionEvent
	at     int
}

func (f *scriptedFeed) NextEvent(ctxt context.Context) (tracker.PositionEvent, error) {
	if f.at >= len(f.events) {
		return tracker.PositionEvent{}, io.EOF
	}
	event := f.events[f.at]
	f.at++
	return event, nil
}

func (f *scriptedFeed) Close() error {
	return nil
}

// scriptedSource implements EventSource over a sequence of scripted feeds
type scriptedSource struct {
	snapshot     []tracker.PositionEvent
	feeds        []*scriptedFeed
	at           int
	resumedAfter []uint64
}

func (s *scriptedSource) Snapshot(ctxt context.Context) ([]tracker.PositionEvent, error) {
	return s.snapshot, nil
}

func (s *scriptedSource) OpenFeed(
	ctxt context.Context, resumeAfterSeq *uint64,
) (EventFeed, error) {
	if resumeAfterSeq != nil {
		s.resumedAfter = append(s.resumedAfter, *resumeAfterSeq)
	}
	if s.at >= len(s.feeds) {
		return nil, fmt.Errorf("no more feeds")
	}
	feed := s.feeds[s.at]
	s.at++
	return feed, nil
}

func TestTrackerFeedRun(t *testing.T) {
	assert := assert.New(t)

	// Two feed generations with an outage in between. The second feed
	// carries the events published during the outage.
	source := &scriptedSource{
		snapshot: []tracker.PositionEvent{
			testPositionEvent("unit-001", 1),
			testPositionEvent("unit-002", 2),
		},
		feeds: []*scriptedFeed{
			{events: []tracker.PositionEvent{
				testPositionEvent("unit-001", 3),
			}},
			{events: []tracker.PositionEvent{
				testPositionEvent("unit-002", 4),
				testPositionEvent("unit-001", 5),
			}},
		},
	}

	reconstructor, err := GetReconstructor("testing", 8, 50, 100)
	assert.Nil(err)

	observed := []uint64{}
	onUpdate := func(event tracker.PositionEvent, r *Reconstructor) {
		observed = append(observed, event.Sequence)
	}

	uut, err := GetTrackerFeed(
		"testing", source, reconstructor,
		common.RetryConfig{MaxAttempts: 2, InitWaitInterval: 1, MaxWaitInterval: 1},
		onUpdate,
	)
	assert.Nil(err)

	wg := sync.WaitGroup{}
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	// Both feeds drain, then the reconnect budget runs out
	assert.NotNil(uut.Run(useContext, &wg))
	wg.Wait()

	// All events were absorbed exactly once, in order
	assert.Equal([]uint64{3, 4, 5}, observed)
	assert.Equal(uint64(5), reconstructor.LastSequence())
	assert.Len(reconstructor.Trail("unit-001"), 3)
	assert.Len(reconstructor.Trail("unit-002"), 2)
	assert.Equal(StateStopped, reconstructor.State())

	// Every feed resumed after the newest sequence known at the time
	assert.Equal([]uint64{2, 3, 5, 5}, source.resumedAfter)
}

func TestTrackerFeedRetryValidation(t *testing.T) {
	assert := assert.New(t)

	reconstructor, err := GetReconstructor("testing", 8, 50, 100)
	assert.Nil(err)

	_, err = GetTrackerFeed(
		"testing", &scriptedSource{}, reconstructor,
		common.RetryConfig{MaxAttempts: -2, InitWaitInterval: 1, MaxWaitInterval: 1},
		nil,
	)
	assert.NotNil(err)

	_, err = GetTrackerFeed(
		"testing", &scriptedSource{}, reconstructor,
		common.RetryConfig{MaxAttempts: -1, InitWaitInterval: 0, MaxWaitInterval: 1},
		nil,
	)
	assert.NotNil(err)
}
