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
	"io"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

const (
	MetricsKeyCallbackError = "appbot.callback.error"
)

var (
	// ErrMissingRepository is returned by identity accessors when the bound
	// payload does not contain a repository.
	ErrMissingRepository = errors.New("payload does not identify a repository")

	// ErrMissingIssueNumber is returned by Context.Issue when the bound
	// payload contains neither an issue nor a pull request number.
	ErrMissingIssueNumber = errors.New("payload does not identify an issue or pull request")
)

// ConfigError reports a failure to fetch or parse a repository
// configuration file. A missing file is not an error; Context.Config falls
// back to the caller's defaults in that case.
type ConfigError struct {
	// Op is "fetch" or "parse".
	Op     string
	Source string
	Path   string
	Cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("failed to %s configuration at %s in %s: %v", e.Op, e.Path, e.Source, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// AuthError reports a failed credential exchange when creating an
// authenticated client. InstallationID is zero for app-level
// authentication.
type AuthError struct {
	InstallationID int64
	Cause          error
}

func (e *AuthError) Error() string {
	if e.InstallationID == 0 {
		return fmt.Sprintf("failed to authenticate as app: %v", e.Cause)
	}
	return fmt.Sprintf("failed to authenticate as installation %d: %v", e.InstallationID, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// RouteConflictError is returned by App.Route when a prefix is mounted more
// than once.
type RouteConflictError struct {
	Prefix string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("route prefix already mounted: %s", e.Prefix)
}

// CallbackError is one callback failure within a delivery. Key is the
// registration key the callback matched and Index is its position in the
// registration order for that key.
type CallbackError struct {
	Key   string
	Index int
	Err   error
}

func (e CallbackError) Error() string {
	return fmt.Sprintf("callback %s[%d]: %v", e.Key, e.Index, e.Err)
}

func (e CallbackError) Unwrap() error { return e.Err }

// DispatchError aggregates the callback failures of a single delivery.
// Failed callbacks never prevent sibling callbacks from running; Receive
// collects every failure and reports them together.
type DispatchError struct {
	Failures []CallbackError
}

func (e *DispatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d callback(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

var (
	// CallbackRecoverStackDepth is the max depth of stack trace to recover
	// on a callback panic.
	CallbackRecoverStackDepth = 32
)

// CallbackPanicError is an error created from a recovered callback panic.
type CallbackPanicError struct {
	value interface{}
	stack []runtime.Frame
}

// Value returns the exact value with which panic() was called.
func (e CallbackPanicError) Value() interface{} {
	return e.value
}

// StackTrace returns the stack of the panicking goroutine.
func (e CallbackPanicError) StackTrace() []runtime.Frame {
	return e.stack
}

// Format formats the error optionally including the stack trace.
//
//	%s    the error message
//	%v    the error message and the source file and line number for each stack frame
//
// Format accepts the following flags:
//
//	%+v   the error message and the function, file, and line for each stack frame
func (e CallbackPanicError) Format(s fmt.State, verb rune) {
	switch verb {
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'v':
		_, _ = io.WriteString(s, e.Error())
		for _, f := range e.stack {
			_, _ = io.WriteString(s, "\n")
			if s.Flag('+') {
				_, _ = fmt.Fprintf(s, "%s\n\t", f.Function)
			}
			_, _ = fmt.Fprintf(s, "%s:%d", f.File, f.Line)
		}
	}
}

func (e CallbackPanicError) Error() string {
	v := e.value
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	return fmt.Sprintf("panic: %v", v)
}

func getStack(skip int) []runtime.Frame {
	rpc := make([]uintptr, CallbackRecoverStackDepth)

	n := runtime.Callers(skip+2, rpc)
	frames := runtime.CallersFrames(rpc[0:n])

	var stack []runtime.Frame
	for {
		f, more := frames.Next()
		if !more {
			break
		}
		stack = append(stack, f)
	}
	return stack
}

func errorCounter(r metrics.Registry, event string) metrics.Counter {
	if r == nil {
		return metrics.NilCounter{}
	}

	key := MetricsKeyCallbackError
	if event != "" {
		key = fmt.Sprintf("%s[event:%s]", key, event)
	}
	return metrics.GetOrRegisterCounter(key, r)
}
