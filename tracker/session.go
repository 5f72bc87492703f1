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

package tracker

import (
	"context"
	"errors"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
)

// ErrSessionClosed end-of-stream signal returned by NextEvent once the
// session was cancelled and its buffer drained
var ErrSessionClosed = errors.New("subscription session closed")

// SubscriptionSession one consumer's live channel into the broadcast broker.
//
// Events are delivered through a bounded buffer. When the consumer reads
// slower than events arrive and the buffer is full, the oldest buffered
// event is dropped to make room; ordering of the surviving events is
// preserved. Only the broker event loop writes to or closes the buffer.
type SubscriptionSession struct {
	common.Component
	id     string
	events chan PositionEvent
}

// newSubscriptionSession define a new session with the given buffer capacity
func newSubscriptionSession(id string, bufferSize int) *SubscriptionSession {
	logTags := log.Fields{
		"module": "tracker", "component": "subscription-session", "session": id,
	}
	return &SubscriptionSession{
		Component: common.Component{LogTags: logTags},
		id:        id,
		events:    make(chan PositionEvent, bufferSize),
	}
}

// ID returns the session ID
func (s *SubscriptionSession) ID() string {
	return s.id
}

// deliver enqueue an event for the consumer, dropping the oldest buffered
// event when the buffer is full. Broker event loop use only. Returns whether
// an older event was dropped to make room.
func (s *SubscriptionSession) deliver(event PositionEvent) bool {
	select {
	case s.events <- event:
		return false
	default:
	}
	// Buffer full. The event loop is the only sender, so after removing one
	// entry the enqueue is guaranteed to succeed.
	dropped := false
	select {
	case old := <-s.events:
		dropped = true
		log.WithFields(s.LogTags).Warnf("Backlogged consumer, dropping %s", old.String())
	default:
	}
	s.events <- event
	return dropped
}

// cancel close the session buffer. Broker event loop use only. Events already
// buffered remain readable; NextEvent signals end-of-stream once drained.
func (s *SubscriptionSession) cancel() {
	close(s.events)
}

// NextEvent blocks until the next event is available, the session is
// cancelled, or the context ends.
//
// This is the only way a consumer reads from the session. On cancellation it
// returns ErrSessionClosed after the remaining buffered events are consumed.
func (s *SubscriptionSession) NextEvent(ctxt context.Context) (PositionEvent, error) {
	select {
	case event, ok := <-s.events:
		if !ok {
			return PositionEvent{}, ErrSessionClosed
		}
		return event, nil
	case <-ctxt.Done():
		return PositionEvent{}, ctxt.Err()
	}
}
