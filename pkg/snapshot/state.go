package snapshot

// ResourceState is the full state of a story as returned by a pull.
type ResourceState struct {
	Resource         Snapshot   `json:"resource" yaml:"resource"`
	Segments         []Snapshot `json:"segments" yaml:"segments"`
	ActiveGeneration bool       `json:"active_generation" yaml:"active_generation"`
}

// View is what a session exposes to its caller: the freshest known story and
// its segments in display order.
type View struct {
	ResourceID string     `json:"resource_id" yaml:"resource_id"`
	Resource   Snapshot   `json:"resource,omitempty" yaml:"resource,omitempty"`
	Segments   []Snapshot `json:"segments" yaml:"segments"`
}
