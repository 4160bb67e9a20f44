// Package scenarios defines the e2e test scenarios for the rule engine.
// Each scenario seeds documents into the buckets a running engine watches,
// provokes one of the engine's triggers, and verifies the resulting writes.
package scenarios

import (
	"context"
	"sync"
	"time"
)

// Scenario is one end-to-end exercise of a deployed rule engine.
type Scenario interface {
	// Name returns the scenario name for identification and reporting.
	Name() string

	// Description provides a human-readable description of what the scenario tests.
	Description() string

	// Setup connects to the target deployment and seeds test documents.
	Setup(ctx context.Context) error

	// Execute runs the actual test scenario.
	// Returns detailed results including pass/fail status and diagnostics.
	Execute(ctx context.Context) (*Result, error)

	// Teardown removes seeded documents and closes the connection.
	Teardown(ctx context.Context) error
}

// Result contains the outcome of a scenario execution.
// All methods are thread-safe for concurrent access.
type Result struct {
	mu sync.Mutex `json:"-"`

	ScenarioName string        `json:"scenario_name"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Errors contains all errors encountered during execution.
	Errors []string `json:"errors,omitempty"`

	// Warnings contains non-fatal issues encountered.
	Warnings []string `json:"warnings,omitempty"`

	// Stages tracks completion of each stage in the scenario.
	Stages []StageResult `json:"stages,omitempty"`
}

// StageResult represents the outcome of a single stage in a scenario.
type StageResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NewResult creates a new Result initialized for the given scenario.
func NewResult(scenarioName string) *Result {
	return &Result{
		ScenarioName: scenarioName,
		StartTime:    time.Now(),
		Success:      false,
		Errors:       []string{},
		Warnings:     []string{},
		Stages:       []StageResult{},
	}
}

// Complete marks the result as complete, setting end time and duration.
func (r *Result) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// AddError adds an error to the result.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
}

// AddWarning adds a warning to the result.
func (r *Result) AddWarning(warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, warning)
}

// AddStage adds a completed stage to the result.
func (r *Result) AddStage(name string, success bool, duration time.Duration, err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageResult{
		Name:     name,
		Success:  success,
		Duration: duration,
		Error:    err,
	})
}

// runStage times fn, records it on the result, and fails the whole result
// when the stage fails. Scenarios bail out after the first failed stage.
func runStage(r *Result, name string, fn func() error) bool {
	start := time.Now()
	err := fn()
	if err != nil {
		r.AddStage(name, false, time.Since(start), err.Error())
		r.Error = name + ": " + err.Error()
		r.AddError(r.Error)
		return false
	}
	r.AddStage(name, true, time.Since(start), "")
	return true
}
