/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every error the engine surfaces. Classification is
// mandatory at each boundary that returns an error to a caller; an
// unclassified error is INTERNAL.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindBusy                Kind = "BUSY"
	KindForbidden           Kind = "FORBIDDEN"
	KindLicenseExpired      Kind = "LICENSE_EXPIRED"
	KindLicenseQuota        Kind = "LICENSE_QUOTA"
	KindNoRules             Kind = "NO_RULES"
	KindNoCredentials       Kind = "NO_CREDENTIALS"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindTimedOut            Kind = "TIMED_OUT"
	KindInternal            Kind = "INTERNAL"
)

// Error is the classified error type. Hint, when set, is operator
// guidance safe to show to callers. Message and Hint must never carry
// secret material.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	err     error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it in the unwrap chain. A nil err yields
// nil.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s, %s", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf walks the unwrap chain for a classified error. Context
// cancellation maps to TIMED_OUT; everything else unclassified is
// INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimedOut
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind == kind
	}
	return false
}

func IsValidation(err error) bool { return is(err, KindValidation) }

func IsNotFound(err error) bool { return is(err, KindNotFound) }

func IsConflict(err error) bool { return is(err, KindConflict) }

func IsBusy(err error) bool { return is(err, KindBusy) }

func IsForbidden(err error) bool { return is(err, KindForbidden) }

func IsLicenseExpired(err error) bool { return is(err, KindLicenseExpired) }

func IsLicenseQuota(err error) bool { return is(err, KindLicenseQuota) }

func IsNoRules(err error) bool { return is(err, KindNoRules) }

func IsNoCredentials(err error) bool { return is(err, KindNoCredentials) }

func IsUpstreamUnavailable(err error) bool { return is(err, KindUpstreamUnavailable) }

func IsTimedOut(err error) bool {
	return is(err, KindTimedOut) || errors.Is(err, context.DeadlineExceeded)
}

// Ignore drops errors matching the predicate, keeping everything else.
func Ignore(err error, matches func(error) bool) error {
	if err == nil || matches(err) {
		return nil
	}
	return err
}
