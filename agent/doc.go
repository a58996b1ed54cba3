/*
Package agent provides an HTTP agent and client for controlling processes
spawned through the proc package on a remote (or local) host.

Every proc operation is exposed as a route on handles addressed by an opaque
ID: spawn, signal, wait, alive, non-blocking stdin writes, non-blocking
stdout/stderr reads, and per-stream close. Handles outlive connections; a
handle exists until it is explicitly released or the agent stops.

For callers that want streaming rather than polling over HTTP, the attach
route upgrades to a WebSocket and pumps stdin (client->agent) and stdout &
stderr (agent->client) as JSON messages, finishing with an exit record. The
pump is an ordinary caller of the proc package: it polls the non-blocking
reads and retries would-block writes itself, and detaching does not disturb
the process.

The agent requires mTLS for both traffic encryption and authz.
*/
package agent
