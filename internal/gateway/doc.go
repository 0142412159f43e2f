// Package gateway orchestrates the harbor-gateway server components.
//
// # Overview
//
// The gateway owns the app registry, the deploy coordinator, the connection
// hub, the health poller and the webhook dedupe cache, and serves them on two
// listeners: the HTTP API and the WebSocket listener.
//
// # HTTP API
//
//   - GET /health - Liveness and headline counts
//   - GET /status - Channel membership, deploy streams and queue state
//   - GET|POST /apps, GET|PATCH|DELETE /apps/{name} - App registry
//   - GET /apps/{name}/status - One app with its queue slot
//   - POST /deploy/{name}, POST /apps/{name}/rollback - Queue a deploy or rollback
//   - POST /webhook/telegram, /webhook/twilio, /webhook/{channel} - Inbound webhooks
//
// Mutating registry and deploy routes require a bearer token when
// auth.jwt_secret is set. Unknown routes answer 404 with the endpoint list.
//
// # WebSocket
//
// A connection to /deploy/{app} subscribes to that app's deploy events. Any
// other path joins the messaging channel named by the path ("/" joins
// "default"). Frames are JSON objects with a type:
//
//	{"type":"agent_message","id":1,...}  -> {"type":"agent_response","id":1,"data":{...}}
//	{"type":"broadcast","data":{...}}    -> every other member of the channel
//	{"type":"ping","id":"x"}             -> {"type":"pong","id":"x"}
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
