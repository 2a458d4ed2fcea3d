// Package session ties the change channel, the cache, the reconciler and the
// polling fallback together for one story.
//
// A Session runs a single loop goroutine that owns every cache mutation and
// every connection-state decision. Channel readers, reconnect timers, burst
// refreshes and pull goroutines never touch the cache directly; they post
// messages tagged with the channel generation they belong to, so messages
// from a retired channel are dropped.
//
// Reconnects follow reconnect.Policy. Once the policy gives up the session
// stays alive on polling alone while a generation is active.
package session
