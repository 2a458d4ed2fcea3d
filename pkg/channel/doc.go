// Package channel implements the per-story change feed connection and its state
// machine.
//
// A Channel starts in Connecting, moves to Subscribed once the transport
// acknowledges the subscription, and ends in Degraded (transient failure),
// Failed (explicit rejection) or Closed (caller teardown). Channels are single
// use: reconnecting means subscribing again.
//
// Two transports are provided:
//   - WebSocketSubscriber dials a websocket feed and waits for a "subscribed" frame.
//   - WatermillSubscriber consumes a watermill topic (in-memory or Redis Streams).
package channel
