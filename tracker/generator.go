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
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// PoolMember one tracked entity of the fixed pool. The stored position is
// mutated only by the generator tick.
type PoolMember struct {
	// ID is the stable key identifying this entity
	ID string
	// DisplayName is the human readable name attached to emitted events
	DisplayName string
	// Position is the entity's last known position
	Position orb.Point
}

// PositionGenerator produces one position event per tick for a randomly
// chosen pool member, applying a bounded random walk to its last position.
//
// Generation runs on a single periodic timer; ticks never overlap. A tick
// failure is a programming-error class fault: it halts the generator and
// cancels the runtime context it was built against.
type PositionGenerator interface {
	// Start begins periodic event generation
	Start() error
	// Stop halts the tick timer
	Stop() error
}

// positionGeneratorImpl implements PositionGenerator
type positionGeneratorImpl struct {
	common.Component
	broker           BroadcastBroker
	pool             []*PoolMember
	bounds           orb.Bound
	jitterDeg        float64
	tickInterval     time.Duration
	timer            common.IntervalTimer
	rng              *rand.Rand
	operationContext context.Context
	contextCancel    context.CancelFunc
}

// GetPositionGenerator define a new PositionGenerator.
//
// An empty entity pool or a bounding box whose minimum exceeds its maximum
// is a fatal configuration error. Pass a nil rng to use a time-seeded source.
func GetPositionGenerator(
	config common.GeneratorConfig,
	broker BroadcastBroker,
	rng *rand.Rand,
	ctxt context.Context,
	ctxtCancel context.CancelFunc,
	wg *sync.WaitGroup,
) (PositionGenerator, error) {
	logTags := log.Fields{
		"module": "tracker", "component": "position-generator",
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid generator config")
		return nil, err
	}
	pool := make([]*PoolMember, 0, len(config.Entities))
	seenIDs := map[string]bool{}
	for _, entity := range config.Entities {
		if seenIDs[entity.ID] {
			err := fmt.Errorf("duplicate entity ID '%s' in pool", entity.ID)
			log.WithError(err).WithFields(logTags).Error("Invalid generator config")
			return nil, err
		}
		seenIDs[entity.ID] = true
		if entity.StartLat < config.Bounds.MinLat || entity.StartLat > config.Bounds.MaxLat ||
			entity.StartLon < config.Bounds.MinLon || entity.StartLon > config.Bounds.MaxLon {
			err := fmt.Errorf(
				"entity '%s' starts at (%f, %f), outside the bounding box",
				entity.ID, entity.StartLat, entity.StartLon,
			)
			log.WithError(err).WithFields(logTags).Error("Invalid generator config")
			return nil, err
		}
		pool = append(pool, &PoolMember{
			ID:          entity.ID,
			DisplayName: entity.DisplayName,
			Position:    orb.Point{entity.StartLon, entity.StartLat},
		})
	}
	timer, err := common.GetIntervalTimerInstance("position-generator", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tick timer")
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &positionGeneratorImpl{
		Component: common.Component{LogTags: logTags},
		broker:    broker,
		pool:      pool,
		bounds: orb.Bound{
			Min: orb.Point{config.Bounds.MinLon, config.Bounds.MinLat},
			Max: orb.Point{config.Bounds.MaxLon, config.Bounds.MaxLat},
		},
		jitterDeg:        config.JitterDeg,
		tickInterval:     time.Millisecond * time.Duration(config.TickIntervalMS),
		timer:            timer,
		rng:              rng,
		operationContext: ctxt,
		contextCancel:    ctxtCancel,
	}, nil
}

// Start begins periodic event generation
func (g *positionGeneratorImpl) Start() error {
	log.WithFields(g.LogTags).Infof(
		"Starting generation for %d entities every %s", len(g.pool), g.tickInterval,
	)
	return g.timer.Start(g.tickInterval, func() error {
		if err := g.processTick(); err != nil {
			// Generation must not fail. Halt the pipeline.
			log.WithError(err).WithFields(g.LogTags).Error("Tick failed, halting generator")
			g.contextCancel()
			return err
		}
		return nil
	}, false)
}

// Stop halts the tick timer
func (g *positionGeneratorImpl) Stop() error {
	return g.timer.Stop()
}

// processTick perform one unit of generation work
func (g *positionGeneratorImpl) processTick() error {
	member := g.pool[g.rng.Intn(len(g.pool))]
	latitude := member.Position.Lat() + (g.rng.Float64()*2-1)*g.jitterDeg
	longitude := member.Position.Lon() + (g.rng.Float64()*2-1)*g.jitterDeg
	latitude = roundCoordinate(clampCoordinate(latitude, g.bounds.Min.Lat(), g.bounds.Max.Lat()))
	longitude = roundCoordinate(clampCoordinate(longitude, g.bounds.Min.Lon(), g.bounds.Max.Lon()))
	member.Position = orb.Point{longitude, latitude}

	event := PositionEvent{
		ID:          uuid.New().String(),
		EntityID:    member.ID,
		DisplayName: member.DisplayName,
		Latitude:    latitude,
		Longitude:   longitude,
		EmittedAt:   time.Now().UTC(),
	}
	if err := g.broker.Publish(g.operationContext, event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to publish %s", event.String())
		return err
	}
	log.WithFields(g.LogTags).Debugf("Published %s", event.String())
	return nil
}

// clampCoordinate limit a coordinate to [min, max]
func clampCoordinate(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// roundCoordinate round a coordinate to 6 decimal places
func roundCoordinate(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
