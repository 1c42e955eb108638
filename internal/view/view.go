// Package view renders artifacts as htmx fragments and decides whether the
// client keeps polling.
//
// A Pending artifact renders as a placeholder that re-requests itself after
// the poll interval. Ready and Failed artifacts render terminal fragments with
// no polling instruction. Polling is bounded: after MaxPolls attempts a
// stalled fragment with a manual refresh button ends the loop.
package view

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Fragment identifies which artifact fragment is rendered.
type Fragment string

// Fragment kinds.
const (
	FragmentReady   Fragment = "ready"
	FragmentPending Fragment = "pending"
	FragmentFailed  Fragment = "failed"
	FragmentStalled Fragment = "stalled"
)

// Polls reports whether the fragment instructs the client to poll again.
func (f Fragment) Polls() bool { return f == FragmentPending }

// Decide picks the fragment for an artifact status at the given poll count.
// maxPolls <= 0 disables the bound.
func Decide(status model.Status, poll, maxPolls int) Fragment {
	switch status {
	case model.StatusReady:
		return FragmentReady
	case model.StatusFailed:
		return FragmentFailed
	}
	if maxPolls > 0 && poll >= maxPolls {
		return FragmentStalled
	}
	return FragmentPending
}

// Item is an artifact with its derived status.
type Item struct {
	Artifact model.Artifact
	Status   model.Status
}

// Renderer executes the embedded templates.
type Renderer struct {
	tmpl         *template.Template
	pollInterval time.Duration
	maxPolls     int
}

// New parses the embedded templates once.
func New(pollInterval time.Duration, maxPolls int) (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Renderer{tmpl: tmpl, pollInterval: pollInterval, maxPolls: maxPolls}, nil
}

type artifactData struct {
	ID       int64
	Prompt   string
	Fragment Fragment
	NextPoll int
	Delay    string
	Failure  *model.ErrorInfo
}

func (r *Renderer) artifactData(item Item, poll int) artifactData {
	return artifactData{
		ID:       item.Artifact.ID,
		Prompt:   item.Artifact.Prompt,
		Fragment: Decide(item.Status, poll, r.maxPolls),
		NextPoll: poll + 1,
		Delay:    htmxDuration(r.pollInterval),
		Failure:  item.Artifact.Failure(),
	}
}

// Artifact renders the fragment for one artifact at poll count poll and
// returns which fragment was chosen.
func (r *Renderer) Artifact(w io.Writer, item Item, poll int) (Fragment, error) {
	data := r.artifactData(item, poll)
	return data.Fragment, r.tmpl.ExecuteTemplate(w, "artifact", data)
}

// Created renders the placeholder for a new artifact plus an out-of-band
// cleared prompt input.
func (r *Renderer) Created(w io.Writer, item Item) error {
	return r.tmpl.ExecuteTemplate(w, "created", r.artifactData(item, 0))
}

// Deleted renders the acknowledgement for a delete. It is empty so that an
// outerHTML swap removes the artifact fragment.
func (r *Renderer) Deleted(io.Writer) error {
	return nil
}

type countData struct {
	Active  int
	Limit   int
	Reached bool
}

// Count renders active/limit, or the limit-reached notice.
func (r *Renderer) Count(w io.Writer, active, limit int) error {
	return r.tmpl.ExecuteTemplate(w, "count", countData{Active: active, Limit: limit, Reached: active >= limit})
}

// QuotaExceeded renders the limit-reached notice shown instead of a new artifact.
func (r *Renderer) QuotaExceeded(w io.Writer, limit int) error {
	return r.tmpl.ExecuteTemplate(w, "quota-exceeded", limit)
}

// Error renders a short user-facing error message.
func (r *Renderer) Error(w io.Writer, msg string) error {
	return r.tmpl.ExecuteTemplate(w, "error", msg)
}

type indexData struct {
	Items []artifactData
	Count countData
}

// Index renders the full page with the given artifacts, newest first.
func (r *Renderer) Index(w io.Writer, items []Item, active, limit int) error {
	data := indexData{
		Items: make([]artifactData, 0, len(items)),
		Count: countData{Active: active, Limit: limit, Reached: active >= limit},
	}
	for _, it := range items {
		data.Items = append(data.Items, r.artifactData(it, 0))
	}
	return r.tmpl.ExecuteTemplate(w, "index", data)
}

// htmxDuration formats d the way hx-trigger delays are written.
func htmxDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
