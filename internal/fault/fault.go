// Copyright (c) 2026 John Earle
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

// Package fault defines the failure taxonomy of the orchestration engine.
// Each stage surfaces exactly one of these classes so the orchestrator can
// decide between fallback, bounded retry, and processed-with-error.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload — a provider payload is missing required fields.
	// Non-retryable; the event is reported and marked processed-with-error.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrAnalysisUnavailable — the classification stage could not complete.
	// Recoverable: the orchestrator falls back to intent=unknown,
	// priority=normal and continues.
	ErrAnalysisUnavailable = errors.New("analysis unavailable")

	// ErrUpstreamUnavailable — the model endpoint timed out or failed at the
	// transport level. Retryable at the orchestrator level with backoff up
	// to a cap, then reported.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// SchemaError reports model output that could not be parsed into the declared
// Decision shape, including the exact violation so the self-repair retry can
// cite it back to the model.
type SchemaError struct {
	Violation string
	Raw       string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation: %s", e.Violation)
}

// IsSchema reports whether err is a SchemaError.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// DeliveryError reports a delivery-adapter failure. Transient failures are
// retried by the dispatcher with backoff; permanent ones (adapter validation
// rejections) fail the action immediately.
type DeliveryError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", kind, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentDelivery reports whether err is a delivery failure that must not
// be retried.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
