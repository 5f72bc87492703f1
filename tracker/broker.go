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
	"reflect"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// BroadcastBroker accepts new position events from the generator, appends
// them to the event store, and fans each out to every live subscription
// session exactly once, in emission order.
//
// All operations run on one serialized event loop, so a single global
// emission order is observed by every session. Fan-out uses a non-blocking
// per-session enqueue; a slow or stalled consumer never delays Publish or
// delivery to other sessions.
type BroadcastBroker interface {
	// Publish assigns the next sequence number to the event, appends it to
	// the event store, and fans it out to all live sessions
	Publish(ctxt context.Context, event PositionEvent) error
	// Subscribe creates and registers a new live subscription session.
	//
	// When resumeAfterSeq is given, stored events with a greater sequence
	// number are replayed into the session buffer before it goes live, making
	// the feed gap-free relative to a snapshot taken at that sequence.
	Subscribe(ctxt context.Context, resumeAfterSeq *uint64) (*SubscriptionSession, error)
	// Unsubscribe marks the session dead, cancels its buffer, and removes it
	// from the fan-out set. Idempotent.
	Unsubscribe(ctxt context.Context, sessionID string) error
	// ActiveSessions returns the number of currently live sessions
	ActiveSessions(ctxt context.Context) (int, error)
	// Stop cancels all live sessions and halts the broker event loop
	Stop(ctxt context.Context) error
}

// broadcastBrokerImpl implements BroadcastBroker
type broadcastBrokerImpl struct {
	common.Component
	store             EventStore
	tp                common.TaskProcessor
	sessions          map[string]*SubscriptionSession
	sessionBufferSize int
	nextSequence      uint64
	metrics           *BrokerMetrics
	validate          *validator.Validate
}

// brokerPublishRequest broker event loop task param for Publish
type brokerPublishRequest struct {
	event  PositionEvent
	result chan error
}

// brokerSubscribeRequest broker event loop task param for Subscribe
type brokerSubscribeRequest struct {
	resumeAfterSeq *uint64
	result         chan *SubscriptionSession
}

// brokerUnsubscribeRequest broker event loop task param for Unsubscribe
type brokerUnsubscribeRequest struct {
	sessionID string
	result    chan error
}

// brokerSessionCountRequest broker event loop task param for ActiveSessions
type brokerSessionCountRequest struct {
	result chan int
}

// brokerStopRequest broker event loop task param for Stop
type brokerStopRequest struct {
	result chan error
}

// GetBroadcastBroker define a new BroadcastBroker and start its event loop
func GetBroadcastBroker(
	store EventStore,
	sessionConfig common.SessionConfig,
	metrics *BrokerMetrics,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (BroadcastBroker, error) {
	logTags := log.Fields{
		"module": "tracker", "component": "broadcast-broker",
	}
	validate := validator.New()
	if err := validate.Struct(&sessionConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session config")
		return nil, err
	}
	tp, err := common.GetNewTaskProcessorInstance("broadcast-broker", 64, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &broadcastBrokerImpl{
		Component:         common.Component{LogTags: logTags},
		store:             store,
		tp:                tp,
		sessions:          make(map[string]*SubscriptionSession),
		sessionBufferSize: sessionConfig.BufferSize,
		nextSequence:      0,
		metrics:           metrics,
		validate:          validate,
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(brokerPublishRequest{}):      instance.processPublishRequest,
		reflect.TypeOf(brokerSubscribeRequest{}):    instance.processSubscribeRequest,
		reflect.TypeOf(brokerUnsubscribeRequest{}):  instance.processUnsubscribeRequest,
		reflect.TypeOf(brokerSessionCountRequest{}): instance.processSessionCountRequest,
		reflect.TypeOf(brokerStopRequest{}):         instance.processStopRequest,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task execution map")
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broker event loop")
		return nil, err
	}
	return instance, nil
}

// =======================================================================
// Publish

// Publish assigns the next sequence number to the event, appends it to the
// event store, and fans it out to all live sessions
func (b *broadcastBrokerImpl) Publish(ctxt context.Context, event PositionEvent) error {
	if err := b.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Refusing to publish %s", event.String())
		return err
	}
	request := brokerPublishRequest{event: event, result: make(chan error, 1)}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to submit %s", event.String())
		return err
	}
	select {
	case err := <-request.result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processPublishRequest broker event loop handler for Publish
func (b *broadcastBrokerImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(brokerPublishRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	b.nextSequence++
	event := request.event
	event.Sequence = b.nextSequence
	b.store.Append(event)
	if b.metrics != nil {
		b.metrics.Published.Inc()
	}
	for _, session := range b.sessions {
		if session.deliver(event) && b.metrics != nil {
			b.metrics.Dropped.Inc()
		}
	}
	log.WithFields(b.LogTags).Debugf(
		"Fanned out %s to %d sessions", event.String(), len(b.sessions),
	)
	request.result <- nil
	return nil
}

// =======================================================================
// Subscribe

// Subscribe creates and registers a new live subscription session
func (b *broadcastBrokerImpl) Subscribe(
	ctxt context.Context, resumeAfterSeq *uint64,
) (*SubscriptionSession, error) {
	request := brokerSubscribeRequest{
		resumeAfterSeq: resumeAfterSeq, result: make(chan *SubscriptionSession, 1),
	}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to submit subscribe request")
		return nil, err
	}
	select {
	case session := <-request.result:
		return session, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// processSubscribeRequest broker event loop handler for Subscribe
func (b *broadcastBrokerImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(brokerSubscribeRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	// Replay missed events before the session joins the fan-out set. Both
	// happen within one event loop task, so no publish can interleave. The
	// session buffer is sized to hold the full replay set on top of the
	// configured live capacity, so the replay itself can never shed events.
	var replay []PositionEvent
	if request.resumeAfterSeq != nil {
		replay = b.store.After(*request.resumeAfterSeq)
	}
	bufferSize := b.sessionBufferSize + len(replay)
	session := newSubscriptionSession(uuid.New().String(), bufferSize)
	for _, event := range replay {
		if session.deliver(event) && b.metrics != nil {
			b.metrics.Dropped.Inc()
		}
	}
	if request.resumeAfterSeq != nil {
		log.WithFields(b.LogTags).Infof(
			"Replayed %d events after sequence %d into session %s",
			len(replay), *request.resumeAfterSeq, session.ID(),
		)
	}
	b.sessions[session.ID()] = session
	if b.metrics != nil {
		b.metrics.ActiveSessions.Inc()
	}
	log.WithFields(b.LogTags).Infof("Registered session %s", session.ID())
	request.result <- session
	return nil
}

// =======================================================================
// Unsubscribe

// Unsubscribe marks the session dead, cancels its buffer, and removes it
// from the fan-out set. Idempotent.
func (b *broadcastBrokerImpl) Unsubscribe(ctxt context.Context, sessionID string) error {
	request := brokerUnsubscribeRequest{sessionID: sessionID, result: make(chan error, 1)}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to submit unsubscribe request")
		return err
	}
	select {
	case err := <-request.result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processUnsubscribeRequest broker event loop handler for Unsubscribe
func (b *broadcastBrokerImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(brokerUnsubscribeRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if session, ok := b.sessions[request.sessionID]; ok {
		delete(b.sessions, request.sessionID)
		session.cancel()
		if b.metrics != nil {
			b.metrics.ActiveSessions.Dec()
		}
		log.WithFields(b.LogTags).Infof("Cancelled session %s", request.sessionID)
	} else {
		log.WithFields(b.LogTags).Debugf("Session %s already gone", request.sessionID)
	}
	request.result <- nil
	return nil
}

// =======================================================================
// Support

// ActiveSessions returns the number of currently live sessions
func (b *broadcastBrokerImpl) ActiveSessions(ctxt context.Context) (int, error) {
	request := brokerSessionCountRequest{result: make(chan int, 1)}
	if err := b.tp.Submit(request, ctxt); err != nil {
		return 0, err
	}
	select {
	case count := <-request.result:
		return count, nil
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

// processSessionCountRequest broker event loop handler for ActiveSessions
func (b *broadcastBrokerImpl) processSessionCountRequest(param interface{}) error {
	request, ok := param.(brokerSessionCountRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	request.result <- len(b.sessions)
	return nil
}

// Stop cancels all live sessions and halts the broker event loop
func (b *broadcastBrokerImpl) Stop(ctxt context.Context) error {
	request := brokerStopRequest{result: make(chan error, 1)}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to submit stop request")
		return err
	}
	select {
	case err := <-request.result:
		if err != nil {
			return err
		}
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return b.tp.StopEventLoop()
}

// processStopRequest broker event loop handler for Stop
func (b *broadcastBrokerImpl) processStopRequest(param interface{}) error {
	request, ok := param.(brokerStopRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	for sessionID, session := range b.sessions {
		session.cancel()
		delete(b.sessions, sessionID)
		if b.metrics != nil {
			b.metrics.ActiveSessions.Dec()
		}
	}
	log.WithFields(b.LogTags).Info("Cancelled all sessions")
	request.result <- nil
	return nil
}
