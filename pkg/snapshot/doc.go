// Package snapshot defines the values exchanged between a story change feed and
// the sync core: field snapshots, change events, full pulls and the ordering of
// generation statuses.
package snapshot
