/*
Package transport moves encoded protocol frames between the broker and its
peers over a single bidirectional gRPC stream per peer.

The service is attune.v1.Exchange/Connect. Messages are raw frame bytes
carried by a pass-through codec, so the wire format is owned entirely by
pkg/protocol and no generated stubs are involved.

	agent/publisher                         broker
	┌──────────┐   attune-identity: 7     ┌──────────────┐
	│  Dealer  │ ───── Connect ─────────▶ │    Router    │
	│  Send()  │ ═══════ frames ════════▶ │  Inbound()   │
	│  Recv()  │ ◀══════ frames ═════════ │  Send(id, b) │
	└──────────┘                          └──────────────┘

Every dealer names itself with the attune-identity metadata key. Agents use
their node id; one-shot clients use "publisher-<uuid>". A second stream
with an identity that is already connected replaces the first, which ends
with codes.Aborted.

The Router delivers data frames and connect/disconnect events on a single
channel so the broker loop stays the only owner of its state. Each peer has
a bounded outbound queue; Send fails with ErrQueueFull rather than block
the loop behind a slow peer.

When a cluster token is configured, AuthInterceptor rejects streams that do
not present it as "authorization: Bearer <token>". Setting TLS on both
configs (see pkg/security) adds mutual TLS; the token check still applies.
*/
package transport
