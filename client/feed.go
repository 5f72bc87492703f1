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
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// UpdateHandlerCB callback invoked after each newly observed event was
// absorbed into the reconstructor
type UpdateHandlerCB func(event tracker.PositionEvent, reconstructor *Reconstructor)

// TrackerFeed drives a Reconstructor from an EventSource.
//
// Run fetches one snapshot, then keeps a live feed open, resuming after the
// highest observed sequence number on every (re)connect. Reconstructed
// history is preserved across reconnects; events published during an outage
// are replayed through the resume parameter. Reconnects wait with an
// exponentially increasing backoff up to a ceiling, either for a bounded
// number of attempts or indefinitely.
type TrackerFeed struct {
	common.Component
	source        EventSource
	reconstructor *Reconstructor
	retry         common.RetryConfig
	onUpdate      UpdateHandlerCB
}

// GetTrackerFeed define a new TrackerFeed. The update callback is optional.
func GetTrackerFeed(
	instance string,
	source EventSource,
	reconstructor *Reconstructor,
	retry common.RetryConfig,
	onUpdate UpdateHandlerCB,
) (*TrackerFeed, error) {
	logTags := log.Fields{
		"module": "client", "component": "tracker-feed", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&retry); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid retry config")
		return nil, err
	}
	return &TrackerFeed{
		Component:     common.Component{LogTags: logTags},
		source:        source,
		reconstructor: reconstructor,
		retry:         retry,
		onUpdate:      onUpdate,
	}, nil
}

// Run consume the event source until the context ends or the reconnect
// budget is exhausted
func (f *TrackerFeed) Run(ctxt context.Context, wg *sync.WaitGroup) error {
	wg.Add(1)
	defer wg.Done()
	defer f.reconstructor.setState(StateStopped)

	// One snapshot at start; the live feed resumes after its newest sequence
	events, err := f.source.Snapshot(ctxt)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Initial snapshot failed")
		return err
	}
	f.reconstructor.ObserveSnapshot(events)

	attempts := 0
	wait := time.Second * time.Duration(f.retry.InitWaitInterval)
	maxWait := time.Second * time.Duration(f.retry.MaxWaitInterval)
	for {
		if ctxt.Err() != nil {
			return nil
		}
		resumeAfter := f.reconstructor.LastSequence()
		feed, err := f.source.OpenFeed(ctxt, &resumeAfter)
		if err == nil {
			f.reconstructor.setState(StateLive)
			attempts = 0
			wait = time.Second * time.Duration(f.retry.InitWaitInterval)
			err = f.consumeFeed(ctxt, feed)
			if closeErr := feed.Close(); closeErr != nil {
				log.WithError(closeErr).WithFields(f.LogTags).Debug("Feed close failed")
			}
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(f.LogTags).Warn("Live feed lost")
		} else {
			log.WithError(err).WithFields(f.LogTags).Warn("Unable to establish live feed")
		}
		f.reconstructor.setState(StateReconnecting)
		attempts++
		if f.retry.MaxAttempts >= 0 && attempts > f.retry.MaxAttempts {
			err := fmt.Errorf("no more reconnect attempts after %d failures", attempts-1)
			log.WithError(err).WithFields(f.LogTags).Error("Giving up on feed")
			return err
		}
		log.WithFields(f.LogTags).Infof("Reconnect attempt %d in %s", attempts, wait)
		select {
		case <-ctxt.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

// consumeFeed read one live feed until it fails or the context ends
func (f *TrackerFeed) consumeFeed(ctxt context.Context, feed EventFeed) error {
	for {
		event, err := feed.NextEvent(ctxt)
		if err != nil {
			return err
		}
		if f.reconstructor.Observe(event) && f.onUpdate != nil {
			f.onUpdate(event, f.reconstructor)
		}
	}
}
