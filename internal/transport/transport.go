// Package transport declares the Transport contract (spec.md §2, §6): a
// carrier that accepts inbound messages and sends outbound ones tagged for
// correlation. Concrete carriers (internal/transport/http,
// internal/transport/ws) are external collaborators per spec.md §1 — the
// Host only ever depends on this interface, selecting among registered
// Transports by target URL scheme.
package transport

import (
	"context"

	"github.com/fenlake/agentrt/internal/rpc"
)

// Transport is one wire carrier the Host can send outbound requests
// through. Concrete transports also run their own inbound listener (an HTTP
// server, a WebSocket accept loop) that calls back into the Host's Receive
// independently of this interface.
type Transport interface {
	// Scheme identifies which target URLs this Transport handles, e.g.
	// "http", "https", "ws", "wss".
	Scheme() string

	// Send delivers req to targetURL, stamped with senderURL (the calling
	// agent's own address, for the remote side's Authorizor) and tagged with
	// tag for correlation. Send itself only needs to get the request on the
	// wire — the eventual response (if any) is reported back to the Host
	// out-of-band, by the transport calling the Fulfill closure it was
	// constructed with.
	Send(ctx context.Context, targetURL string, req rpc.Request, senderURL, tag string) error
}
