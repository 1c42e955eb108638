package model

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// Status is the lifecycle state of an artifact. It is derived on read and
// never stored.
type Status string

// Status constants
const (
	StatusPending Status = "PENDING"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
)

// Failed-step constants recorded in ErrorInfo.
const (
	StepExtract    = "extract"
	StepSynthesize = "synthesize"
	StepDecode     = "decode"
	StepStore      = "store"
	StepQueue      = "queue"
)

// Artifact is the durable record of one text-to-speech request.
type Artifact struct {
	ID              int64   `json:"id"`
	Prompt          string  `json:"prompt"`
	StorageLocation string  `json:"storage_location"`
	Format          string  `json:"format"`
	ErrorInfo       *string `json:"error_info,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// NewArtifact builds a record that has not been persisted yet.
func NewArtifact(prompt, storageLocation, format string) Artifact {
	return Artifact{
		Prompt:          prompt,
		StorageLocation: storageLocation,
		Format:          format,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
}

// Key is the deterministic storage key of the artifact file,
// "<storage_location>/<id>.<format>".
func (a Artifact) Key() string {
	return path.Join(a.StorageLocation, fmt.Sprintf("%d.%s", a.ID, a.Format))
}

// Status derives the lifecycle state from file existence and the persisted
// failure, in that order.
func (a Artifact) Status(fileExists bool) Status {
	switch {
	case fileExists:
		return StatusReady
	case a.ErrorInfo != nil:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Failure decodes ErrorInfo. It returns nil when the artifact has not failed.
func (a Artifact) Failure() *ErrorInfo {
	if a.ErrorInfo == nil {
		return nil
	}
	var info ErrorInfo
	if err := json.Unmarshal([]byte(*a.ErrorInfo), &info); err != nil {
		return &ErrorInfo{Message: *a.ErrorInfo}
	}
	return &info
}
