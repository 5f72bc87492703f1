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
	"sort"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
)

// EventStore append-only in-memory sequence of all position events published
// within this process's lifetime. Grows unboundedly by design.
type EventStore interface {
	// Append adds an event at the tail
	Append(event PositionEvent)
	// Snapshot returns a point-in-time copy of the full event sequence
	Snapshot() []PositionEvent
	// After returns a copy of all events with sequence number > seq
	After(seq uint64) []PositionEvent
	// Count returns the number of stored events
	Count() int
	// LatestSequence returns the sequence number of the newest stored event,
	// or 0 when the store is empty
	LatestSequence() uint64
}

// inMemoryEventStoreImpl implements EventStore
type inMemoryEventStoreImpl struct {
	common.Component
	lock   *sync.RWMutex
	events []PositionEvent
}

// GetInMemoryEventStore get new in-memory EventStore
func GetInMemoryEventStore(instance string) (EventStore, error) {
	logTags := log.Fields{
		"module": "tracker", "component": "event-store", "instance": instance,
	}
	return &inMemoryEventStoreImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.RWMutex{},
		events:    make([]PositionEvent, 0),
	}, nil
}

// Append adds an event at the tail
func (s *inMemoryEventStoreImpl) Append(event PositionEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, event)
	log.WithFields(s.LogTags).Debugf("Stored %s", event.String())
}

// Snapshot returns a point-in-time copy of the full event sequence
func (s *inMemoryEventStoreImpl) Snapshot() []PositionEvent {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]PositionEvent, len(s.events))
	copy(result, s.events)
	return result
}

// After returns a copy of all events with sequence number > seq
func (s *inMemoryEventStoreImpl) After(seq uint64) []PositionEvent {
	s.lock.RLock()
	defer s.lock.RUnlock()
	// Sequence numbers are appended in increasing order
	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Sequence > seq
	})
	result := make([]PositionEvent, len(s.events)-start)
	copy(result, s.events[start:])
	return result
}

// Count returns the number of stored events
func (s *inMemoryEventStoreImpl) Count() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.events)
}

// LatestSequence returns the sequence number of the newest stored event
func (s *inMemoryEventStoreImpl) LatestSequence() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Sequence
}
