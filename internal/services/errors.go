// Package services defines the business logic for subscription renewal, call
// ingestion, pipeline processing, and the read-side call API. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrInvalidToken indicates a webhook notification whose channel token
	// did not match the configured shared secret.
	ErrInvalidToken = errors.New("invalid channel token")

	// ErrItemNotFound indicates that the requested call item does not exist.
	ErrItemNotFound = errors.New("call item not found")

	// ErrSubscriptionNotFound indicates that no push channel has ever been
	// registered.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNotFailed is returned when a requeue targets an item that is not
	// in the FAILED state. Only failed items may be resubmitted.
	ErrNotFailed = errors.New("item is not in a failed state")

	// ErrNoTranscript is returned when a transcript is requested for an
	// item that has not produced one yet.
	ErrNoTranscript = errors.New("transcript not available")

	// ErrQueueFull indicates the in-process work queue rejected an item.
	// The item stays in its current durable state and is picked up by
	// recovery.
	ErrQueueFull = errors.New("pipeline queue full")

	// ErrEmptyQuery is returned when a search request has no query terms.
	ErrEmptyQuery = errors.New("search query is empty")
)
