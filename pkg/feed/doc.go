// Package feed is a development change-feed server. It serves the story API
// that pulls read from, a websocket feed per story, and optionally mirrors
// every change onto a watermill publisher so Redis Streams subscribers see the
// same events.
package feed
