// event.go defines the wire-level data model: error events, breadcrumbs,
// severity levels, and the descriptors attached to an event at build time.

package faultline

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Severity is the ordered level of an event or breadcrumb:
// debug < info < warning < error < fatal.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

var severityRank = map[Severity]int{
	SeverityDebug:   0,
	SeverityInfo:    1,
	SeverityWarning: 2,
	SeverityError:   3,
	SeverityFatal:   4,
}

// Rank returns the position of s in the severity ordering. Unknown
// severities rank below debug.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// BreadcrumbType enumerates the kinds of trail entries integrations emit.
type BreadcrumbType string

const (
	BreadcrumbNavigation BreadcrumbType = "navigation"
	BreadcrumbClick      BreadcrumbType = "click"
	BreadcrumbAPI        BreadcrumbType = "api"
	BreadcrumbState      BreadcrumbType = "state"
	BreadcrumbConsole    BreadcrumbType = "console"
	BreadcrumbManual     BreadcrumbType = "manual"
)

// Breadcrumb is a timestamped record of a minor event, retained to give
// context to a later error. Breadcrumbs are never mutated after creation.
type Breadcrumb struct {
	// Timestamp is epoch milliseconds.
	Timestamp int64          `json:"timestamp"`
	Type      BreadcrumbType `json:"type"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Level     Severity       `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorDetail describes the error itself.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stack   string `json:"stack,omitempty"`
	Handled bool   `json:"handled"`
}

// UserInfo identifies the user active when the event occurred.
type UserInfo struct {
	ID    string         `json:"id,omitempty"`
	Email string         `json:"email,omitempty"`
	Name  string         `json:"name,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// RequestInfo describes the HTTP request in flight when the event
// occurred, if any.
type RequestInfo struct {
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Query  string `json:"query,omitempty"`
}

// TagList is a set of "key:value" tag strings. It accepts the legacy
// object form ({"key": "value", ...}) on the wire and normalizes it to
// the array form on read.
type TagList []string

// UnmarshalJSON accepts either a JSON array of strings or the legacy
// object of key→value pairs. Object keys are emitted sorted so the
// normalized form is stable.
func (t *TagList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*t = arr
		return nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tags: expected array or object: %w", err)
	}
	tags := make([]string, 0, len(obj))
	for k, v := range obj {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	*t = tags
	return nil
}

// ErrorEvent is the unit of delivery. An event is fully assembled by the
// Tracker (sanitized state, breadcrumb snapshot, identity, tags) and is
// immutable once built.
type ErrorEvent struct {
	// EventID is a collision-resistant unique identifier (UUID).
	EventID string `json:"event_id"`

	// Timestamp is epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	Environment string   `json:"environment,omitempty"`
	Level       Severity `json:"level"`
	Platform    string   `json:"platform,omitempty"`

	// Fingerprint groups structurally identical errors.
	Fingerprint string `json:"fingerprint,omitempty"`

	Error ErrorDetail `json:"error"`

	// Context holds opaque browser/OS/device/app descriptors and any
	// values set through SetContext. Pass-through data; sanitized.
	Context map[string]any `json:"context,omitempty"`

	User    *UserInfo    `json:"user,omitempty"`
	Request *RequestInfo `json:"request,omitempty"`

	// State maps plugin name to that plugin's sanitized state snapshot.
	State map[string]any `json:"state,omitempty"`

	// Breadcrumbs is the trail captured up to the moment of the error,
	// oldest first.
	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`

	Tags  TagList        `json:"tags,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}
