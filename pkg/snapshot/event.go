package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type SubjectType string

const (
	SubjectResource    SubjectType = "resource"
	SubjectSubResource SubjectType = "sub_resource"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ChangeEvent is one change notification as delivered by a transport.
type ChangeEvent struct {
	SubjectID       string      `json:"subject_id" yaml:"subject_id"`
	SubjectType     SubjectType `json:"subject_type" yaml:"subject_type"`
	Kind            Kind        `json:"kind" yaml:"kind"`
	ResourceID      string      `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Payload         Snapshot    `json:"payload,omitempty" yaml:"payload,omitempty"`
	SourceTimestamp time.Time   `json:"source_timestamp,omitempty" yaml:"source_timestamp,omitempty"`
}

// MalformedEventError marks an event that cannot be routed to a cache entry.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed change event: %s", e.Reason)
}

func malformed(format string, args ...any) error {
	return &MalformedEventError{Reason: fmt.Sprintf(format, args...)}
}

// Parent returns the story id the event belongs to.
func (e ChangeEvent) Parent() string {
	if id := strings.TrimSpace(e.ResourceID); id != "" {
		return id
	}
	if e.SubjectType == SubjectResource {
		return strings.TrimSpace(e.SubjectID)
	}
	return ""
}

// Validate checks the fields needed to route the event. expectedResource may be
// empty to skip the ownership check.
func (e ChangeEvent) Validate(expectedResource string) error {
	if strings.TrimSpace(e.SubjectID) == "" {
		return malformed("subject_id is empty")
	}
	switch e.SubjectType {
	case SubjectResource, SubjectSubResource:
	default:
		return malformed("unknown subject_type %q", e.SubjectType)
	}
	switch e.Kind {
	case KindInsert, KindUpdate:
		if len(e.Payload) == 0 {
			return malformed("%s event for %s has no payload", e.Kind, e.SubjectID)
		}
	case KindDelete:
	default:
		return malformed("unknown kind %q", e.Kind)
	}
	parent := e.Parent()
	if parent == "" {
		return malformed("sub_resource %s has no resource_id", e.SubjectID)
	}
	if expectedResource != "" && parent != expectedResource {
		return malformed("event for resource %s delivered to %s", parent, expectedResource)
	}
	return nil
}

// Key identifies the cache entry the event targets.
func (e ChangeEvent) Key() Key {
	return Key{Type: e.SubjectType, ID: strings.TrimSpace(e.SubjectID)}
}

// DecodeEvent parses a JSON change event. It only fails on undecodable input;
// routing checks are left to Validate.
func DecodeEvent(b []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if len(b) == 0 {
		return ev, errors.New("empty change event payload")
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, errors.Wrap(err, "decode change event")
	}
	return ev, nil
}

// Key addresses one story or segment in a cache.
type Key struct {
	Type SubjectType
	ID   string
}

func ResourceKey(id string) Key    { return Key{Type: SubjectResource, ID: id} }
func SubResourceKey(id string) Key { return Key{Type: SubjectSubResource, ID: id} }

func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}
