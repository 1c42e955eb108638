package model

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an artifact id does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrQuotaExceeded is returned when admission is denied.
	ErrQuotaExceeded = errors.New("artifact limit reached")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrNotFailed is returned when retrying an artifact that has not failed.
	ErrNotFailed = errors.New("only failed artifacts can be retried")
)

// ErrorInfo holds structured failure information for an Artifact.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// NewErrorInfo stamps a failure with the current time.
func NewErrorInfo(step, message string, retryable bool) ErrorInfo {
	return ErrorInfo{
		FailedStep: step,
		Message:    message,
		Retryable:  retryable,
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
