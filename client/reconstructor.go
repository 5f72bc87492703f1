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
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/paulmach/orb"
)

// FeedState the connection state surfaced by a consumer's feed
type FeedState int

const (
	// StateConnecting initial state before the first live feed is established
	StateConnecting FeedState = iota
	// StateLive the live feed is established
	StateLive
	// StateReconnecting the live feed was lost, reconnect in progress
	StateReconnecting
	// StateStopped the feed was stopped and will not reconnect
	StateStopped
)

// String toString function
func (s FeedState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Reconstructor rebuilds per-entity position state from the event stream.
//
// For each entity it maintains an ordered trail of received events; the
// entity's current position is derived as the last trail element rather
// than tracked through a mutable flag. It also keeps a bounded window of
// recent events across all entities, and a bounded FIFO of pending
// notifications the consumer has not acknowledged yet. All retention is
// drop-oldest. Filtering controls visibility only; it never discards data.
//
// Safe for concurrent use: the feed goroutine observes events while the
// consumer reads reconstructed state.
type Reconstructor struct {
	common.Component
	lock            *sync.RWMutex
	trails          map[string][]tracker.PositionEvent
	recent          []tracker.PositionEvent
	notifications   []tracker.PositionEvent
	filter          map[string]bool
	trailCap        int
	recentCap       int
	notificationCap int
	lastSequence    uint64
	state           FeedState
}

// GetReconstructor define a new Reconstructor
func GetReconstructor(
	instance string, trailCap, recentCap, notificationCap int,
) (*Reconstructor, error) {
	logTags := log.Fields{
		"module": "client", "component": "reconstructor", "instance": instance,
	}
	if trailCap < 2 {
		return nil, fmt.Errorf("trail cap %d can not hold a route", trailCap)
	}
	if recentCap < 1 || notificationCap < 1 {
		return nil, fmt.Errorf("retention caps must be positive")
	}
	return &Reconstructor{
		Component:       common.Component{LogTags: logTags},
		lock:            &sync.RWMutex{},
		trails:          make(map[string][]tracker.PositionEvent),
		recent:          make([]tracker.PositionEvent, 0, recentCap),
		notifications:   make([]tracker.PositionEvent, 0, notificationCap),
		filter:          make(map[string]bool),
		trailCap:        trailCap,
		recentCap:       recentCap,
		notificationCap: notificationCap,
		lastSequence:    0,
		state:           StateConnecting,
	}, nil
}

// Observe process one arriving position event. Returns false if the event
// was already seen (its sequence number is not newer than the last observed)
// and was ignored.
func (r *Reconstructor) Observe(event tracker.PositionEvent) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Sequence 0 marks an event that never passed through the broker; it is
	// absorbed as-is and must not disturb the high-water mark.
	if event.Sequence != 0 {
		if event.Sequence <= r.lastSequence {
			log.WithFields(r.LogTags).Debugf("Ignoring duplicate %s", event.String())
			return false
		}
		r.lastSequence = event.Sequence
	}

	trail := append(r.trails[event.EntityID], event)
	if len(trail) > r.trailCap {
		trail = trail[len(trail)-r.trailCap:]
	}
	r.trails[event.EntityID] = trail

	r.recent = append(r.recent, event)
	if len(r.recent) > r.recentCap {
		r.recent = r.recent[len(r.recent)-r.recentCap:]
	}

	r.notifications = append(r.notifications, event)
	if len(r.notifications) > r.notificationCap {
		r.notifications = r.notifications[len(r.notifications)-r.notificationCap:]
	}
	return true
}

// ObserveSnapshot seed the reconstructor with a snapshot query result.
// Returns the number of events absorbed.
func (r *Reconstructor) ObserveSnapshot(events []tracker.PositionEvent) int {
	absorbed := 0
	for _, event := range events {
		if r.Observe(event) {
			absorbed++
		}
	}
	log.WithFields(r.LogTags).Infof("Absorbed %d of %d snapshot events", absorbed, len(events))
	return absorbed
}

// =======================================================================
// Reconstructed state access

// Trail returns a copy of the ordered position history for an entity
func (r *Reconstructor) Trail(entityID string) []tracker.PositionEvent {
	r.lock.RLock()
	defer r.lock.RUnlock()
	trail := r.trails[entityID]
	result := make([]tracker.PositionEvent, len(trail))
	copy(result, trail)
	return result
}

// Latest returns the current position event of an entity, derived as the
// last element of its trail
func (r *Reconstructor) Latest(entityID string) (tracker.PositionEvent, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	trail := r.trails[entityID]
	if len(trail) == 0 {
		return tracker.PositionEvent{}, false
	}
	return trail[len(trail)-1], true
}

// Route returns the polyline through an entity's trail. Only defined once
// the trail holds at least two points.
func (r *Reconstructor) Route(entityID string) (orb.LineString, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	trail := r.trails[entityID]
	if len(trail) < 2 {
		return nil, false
	}
	route := make(orb.LineString, 0, len(trail))
	for _, event := range trail {
		route = append(route, event.Point())
	}
	return route, true
}

// Entities returns the sorted IDs of all entities observed so far
func (r *Reconstructor) Entities() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.trails))
	for entityID := range r.trails {
		result = append(result, entityID)
	}
	sort.Strings(result)
	return result
}

// RecentEvents returns a copy of the bounded recent events window
func (r *Reconstructor) RecentEvents() []tracker.PositionEvent {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]tracker.PositionEvent, len(r.recent))
	copy(result, r.recent)
	return result
}

// LastSequence returns the highest event sequence number observed
func (r *Reconstructor) LastSequence() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.lastSequence
}

// =======================================================================
// Visibility filtering

// SetFilter replaces the set of entity IDs to show. An empty set means
// show all entities, not none.
func (r *Reconstructor) SetFilter(entityIDs ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.filter = make(map[string]bool)
	for _, entityID := range entityIDs {
		r.filter[entityID] = true
	}
}

// ClearFilter resets the visibility filter, showing all entities
func (r *Reconstructor) ClearFilter() {
	r.SetFilter()
}

// Visible indicates whether an entity passes the active visibility filter
func (r *Reconstructor) Visible(entityID string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if len(r.filter) == 0 {
		return true
	}
	return r.filter[entityID]
}

// VisibleEntities returns the sorted IDs of observed entities passing the
// active visibility filter
func (r *Reconstructor) VisibleEntities() []string {
	result := []string{}
	for _, entityID := range r.Entities() {
		if r.Visible(entityID) {
			result = append(result, entityID)
		}
	}
	return result
}

// =======================================================================
// Notification bookkeeping

// Notifications returns a copy of the pending notification queue in
// arrival order
func (r *Reconstructor) Notifications() []tracker.PositionEvent {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]tracker.PositionEvent, len(r.notifications))
	copy(result, r.notifications)
	return result
}

// Acknowledge removes the notification carrying the given event ID. The
// entity trail retains the corresponding point. Returns whether a pending
// notification matched.
func (r *Reconstructor) Acknowledge(eventID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for idx, event := range r.notifications {
		if event.ID == eventID {
			r.notifications = append(r.notifications[:idx], r.notifications[idx+1:]...)
			return true
		}
	}
	return false
}

// ClearNotifications empties the pending notification queue
func (r *Reconstructor) ClearNotifications() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.notifications = r.notifications[:0]
}

// =======================================================================
// Feed state

// State returns the current feed connection state
func (r *Reconstructor) State() FeedState {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.state
}

// setState record a feed connection state change
func (r *Reconstructor) setState(newState FeedState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != newState {
		log.WithFields(r.LogTags).Infof("Feed state %s => %s", r.state, newState)
		r.state = newState
	}
}
