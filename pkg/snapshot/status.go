package snapshot

import "strings"

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// rankUnknown sits below every known status so any recognised value replaces it.
const rankUnknown = -1

var statusRanks = map[string]int{
	"not_started": 0,
	"pending":     0,
	"queued":      0,
	"in_progress": 1,
	"processing":  1,
	"generating":  1,
	"running":     1,
	"failed":      2,
	"error":       2,
	"completed":   3,
	"done":        3,
	"succeeded":   3,
	"success":     3,
}

// Rank orders generation statuses: not_started < in_progress < failed < completed.
// failed ranks below completed so that a retried generation may still complete,
// while a completed one is never knocked back to failed by a late event.
func Rank(v any) int {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case Status:
		s = string(t)
	default:
		return rankUnknown
	}
	r, ok := statusRanks[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return rankUnknown
	}
	return r
}

// IsTerminal reports whether v is a completed or failed status.
func IsTerminal(v any) bool {
	return Rank(v) >= statusRanks["failed"]
}

// Pipeline is one monotonic status field and the fields derived from it.
type Pipeline struct {
	Name        string
	StatusField string
	Dependents  []string
}

// DefaultPipelines covers the story status and the three generation jobs that
// write to segments in the background.
var DefaultPipelines = []Pipeline{
	{Name: "story", StatusField: "status"},
	{Name: "image", StatusField: "image_status", Dependents: []string{"image_url"}},
	{Name: "audio", StatusField: "audio_status", Dependents: []string{"audio_url"}},
	{Name: "narration", StatusField: "narration_status", Dependents: []string{"narration_url"}},
}
