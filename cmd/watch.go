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

package cmd

import (
	"context"
	"sync"

	"github.com/alwitt/livetrack/client"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
)

// RunWatchClient run the watch client against a tracker server
func RunWatchClient(
	runTimeContext context.Context,
	config *common.WatchClientConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch-client",
		"instance":  instance,
	}

	source, err := client.GetRESTEventSource(config.ServerURI, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event source")
		return err
	}

	reconstructor, err := client.GetReconstructor(
		instance, config.TrailCap, config.RecentCap, config.NotificationCap,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reconstructor")
		return err
	}

	onUpdate := func(event tracker.PositionEvent, reconstructor *client.Reconstructor) {
		if !reconstructor.Visible(event.EntityID) {
			return
		}
		trail := reconstructor.Trail(event.EntityID)
		log.WithFields(logTags).Infof(
			"%s '%s' now at (%f, %f), %d trail points, %d pending notifications",
			event.EntityID,
			event.DisplayName,
			event.Latitude,
			event.Longitude,
			len(trail),
			len(reconstructor.Notifications()),
		)
	}

	feed, err := client.GetTrackerFeed(instance, source, reconstructor, config.Reconnect, onUpdate)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tracker feed")
		return err
	}

	log.WithFields(logTags).Infof("Watching %s", config.ServerURI)
	return feed.Run(runTimeContext, wg)
}
