// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step at which a failure happened.
type Stage string

// Pipeline stages.
const (
	StageResolve Stage = "resolve"
	StageSecrets Stage = "secrets"
	StageRouter  Stage = "router"
	StageConfig  Stage = "config"
	StageInput   Stage = "input"
	StageOutput  Stage = "output"
	StageState   Stage = "state"
	StageContext Stage = "context"
)

// Error codes attached by the runtime with oops.
const (
	CodeLoad       = "LOAD_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeResource   = "RESOURCE_ERROR"
)

// Sentinel errors.
var (
	ErrUnknownPlugin    = errors.New("unknown plugin")
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrNotStreaming     = errors.New("procedure is not streaming")
	ErrStreaming        = errors.New("procedure is streaming")
)

// LoadError reports a failure to produce runnable plugin code: resolution,
// fetch, version conflicts, missing secrets or an incomplete router.
type LoadError struct {
	PluginID string
	Stage    Stage
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s (%s): %v", e.PluginID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports data rejected by a schema.
type ValidationError struct {
	PluginID string
	Stage    Stage
	// Procedure is set for input, output and state failures.
	Procedure string
	Detail    string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Procedure != "" {
		return fmt.Sprintf("validate plugin %s %s %s: %s", e.PluginID, e.Procedure, e.Stage, e.Detail)
	}
	return fmt.Sprintf("validate plugin %s %s: %s", e.PluginID, e.Stage, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Operations reported by ResourceError.
const (
	OpInitialize = "initialize"
	OpShutdown   = "shutdown"
)

// ResourceError reports a failure while acquiring or releasing resources.
// Cleanup holds release failures that happened while unwinding Err.
type ResourceError struct {
	PluginID string
	Op       string
	Err      error
	Cleanup  error
}

func (e *ResourceError) Error() string {
	if e.Cleanup != nil {
		return fmt.Sprintf("%s plugin %s: %v (cleanup: %v)", e.Op, e.PluginID, e.Err, e.Cleanup)
	}
	return fmt.Sprintf("%s plugin %s: %v", e.Op, e.PluginID, e.Err)
}

func (e *ResourceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cleanup != nil {
		errs = append(errs, e.Cleanup)
	}
	return errs
}

// Code returns the runtime error code for err, or "" for domain errors.
func Code(err error) string {
	var (
		loadErr     *LoadError
		validateErr *ValidationError
		resourceErr *ResourceError
	)
	switch {
	case errors.As(err, &validateErr):
		return CodeValidation
	case errors.As(err, &loadErr):
		return CodeLoad
	case errors.As(err, &resourceErr):
		return CodeResource
	default:
		return ""
	}
}
