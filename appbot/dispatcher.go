// Copyright 2024 Ridgelines, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appbot

import (
	"fmt"
	"net/http"

	"github.com/google/go-github/v65/github"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultWebhookRoute string = "/api/github/hook"
)

// ErrorCallback is called when dispatching a delivery fails. The error from
// payload validation or scheduling is passed directly as the final
// argument.
type ErrorCallback func(w http.ResponseWriter, r *http.Request, err error)

// ResponseCallback is called to send a response to GitHub after an event is
// dispatched. It is passed the event type and a flag indicating if any
// callbacks were subscribed to the event.
type ResponseCallback func(w http.ResponseWriter, r *http.Request, event string, handled bool)

// DispatcherOption configures properties of a webhook dispatcher.
type DispatcherOption func(*Dispatcher)

// WithErrorCallback sets the error callback for a dispatcher.
func WithErrorCallback(onError ErrorCallback) DispatcherOption {
	return func(d *Dispatcher) {
		if onError != nil {
			d.onError = onError
		}
	}
}

// WithResponseCallback sets the response callback for a dispatcher.
func WithResponseCallback(onResponse ResponseCallback) DispatcherOption {
	return func(d *Dispatcher) {
		if onResponse != nil {
			d.onResponse = onResponse
		}
	}
}

// WithScheduler sets the scheduler used to process deliveries. When the
// scheduler is asynchronous, the dispatcher validates payloads, queues
// valid deliveries, and responds to GitHub without waiting for callbacks to
// complete. This is useful when callbacks may take longer than GitHub's
// webhook delivery timeout.
func WithScheduler(s Scheduler) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.scheduler = s
		}
	}
}

// ValidationError is passed to error callbacks when the webhook payload
// fails validation.
type ValidationError struct {
	EventType  string
	DeliveryID string
	Cause      error
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %v", ve.Cause)
}

// Dispatcher is an http.Handler that validates webhook deliveries and hands
// them to an App through a Scheduler.
type Dispatcher struct {
	app    *App
	secret string

	scheduler  Scheduler
	onError    ErrorCallback
	onResponse ResponseCallback
}

// NewDispatcher creates an http.Handler that dispatches GitHub webhook
// requests to the app's subscribed callbacks. It validates payload
// integrity using the given secret value.
//
// Responses are controlled by optional error and response callbacks. If
// these options are not provided, default callbacks are used.
func NewDispatcher(app *App, secret string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		app:        app,
		secret:     secret,
		scheduler:  DefaultScheduler(),
		onError:    DefaultErrorCallback,
		onResponse: DefaultResponseCallback,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// ServeHTTP processes a webhook request from GitHub.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if eventType == "" {
		d.onError(w, r, ValidationError{
			EventType:  eventType,
			DeliveryID: deliveryID,
			Cause:      errors.New("missing event type"),
		})
		return
	}

	logger := zerolog.Ctx(ctx).With().
		Str(LogKeyEventType, eventType).
		Str(LogKeyDeliveryID, deliveryID).
		Logger()

	// initialize context with event logger
	ctx = logger.WithContext(ctx)
	r = r.WithContext(ctx)

	payload, err := github.ValidatePayload(r, []byte(d.secret))
	if err != nil {
		d.onError(w, r, ValidationError{
			EventType:  eventType,
			DeliveryID: deliveryID,
			Cause:      err,
		})
		return
	}

	logger.Info().Msg("Received webhook event")

	event := Event{
		Type:       eventType,
		DeliveryID: deliveryID,
		Payload:    payload,
	}

	handled := d.app.subscribed(eventType)
	if handled {
		if err := d.scheduler.Schedule(ctx, Dispatch{
			App:   d.app,
			Event: event,
		}); err != nil {
			d.onError(w, r, err)
			return
		}
	}
	d.onResponse(w, r, eventType, handled)
}

// DefaultErrorCallback logs errors and responds with an appropriate status
// code.
func DefaultErrorCallback(w http.ResponseWriter, r *http.Request, err error) {
	defaultErrorCallback(w, r, err)
}

var defaultErrorCallback = MetricsErrorCallback(nil)

// MetricsErrorCallback logs errors, increments an error counter, and
// responds with an appropriate status code.
func MetricsErrorCallback(reg metrics.Registry) ErrorCallback {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		logger := zerolog.Ctx(r.Context())

		var ve ValidationError
		if errors.As(err, &ve) {
			logger.Warn().Err(ve.Cause).Msg("Received invalid webhook headers or payload")
			http.Error(w, "Invalid webhook headers or payload", http.StatusBadRequest)
			return
		}
		if errors.Is(err, ErrCapacityExceeded) {
			logger.Warn().Msg("Dropping webhook event due to over-capacity scheduler")
			http.Error(w, "No capacity available to process this event", http.StatusServiceUnavailable)
			return
		}

		logger.Error().Err(err).Msg("Unexpected error handling webhook")
		errorCounter(reg, r.Header.Get("X-GitHub-Event")).Inc(1)

		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// DefaultResponseCallback responds with a 200 OK for handled events and a
// 202 Accepted status for all other events. Responses are empty.
func DefaultResponseCallback(w http.ResponseWriter, r *http.Request, event string, handled bool) {
	if !handled && event != "ping" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
}
