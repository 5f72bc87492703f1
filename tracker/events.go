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
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// PositionEvent an immutable position fact emitted by the position generator.
//
// The broker assigns Sequence on publish; it increases strictly monotonically
// from 1 within one broker process. Consumers use it to reconcile a snapshot
// against the live feed, and to resume a feed after reconnect.
type PositionEvent struct {
	// ID uniquely identifies this event
	ID string `json:"event_id" validate:"required"`
	// Sequence is the broker assigned global emission order of this event
	Sequence uint64 `json:"sequence"`
	// EntityID references the tracked entity this event belongs to
	EntityID string `json:"entity_id" validate:"required"`
	// DisplayName is the entity display name at emission time
	DisplayName string `json:"display_name" validate:"required"`
	// Latitude in degrees, rounded to 6 decimal places
	Latitude float64 `json:"lat" validate:"gte=-90,lte=90"`
	// Longitude in degrees, rounded to 6 decimal places
	Longitude float64 `json:"lon" validate:"gte=-180,lte=180"`
	// EmittedAt is the emission timestamp
	EmittedAt time.Time `json:"emitted_at"`
}

// Point the event position as an orb.Point
func (e PositionEvent) Point() orb.Point {
	return orb.Point{e.Longitude, e.Latitude}
}

// String toString function
func (e PositionEvent) String() string {
	return fmt.Sprintf(
		"%s@EVT[S:%d](%f, %f)", e.EntityID, e.Sequence, e.Latitude, e.Longitude,
	)
}
