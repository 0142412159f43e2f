// Package agent forwards commands to the backend agent over HTTP.
//
// Every message the gateway hands to the agent (WebSocket agent_message and
// command frames, deploys, rollbacks and inbound webhooks) is POSTed as a
// JSON object to agent.url:
//
//	fwd := agent.NewForwarder(agent.Config{URL: cfg.Agent.URL, Timeout: cfg.Agent.Timeout})
//	result := fwd.Forward(ctx, map[string]any{"type": "deploy", "app": "web"})
//
// Forward never returns a Go error. Failures are reported inside the Result
// so callers can relay them verbatim:
//
//	{"error": "Agent unreachable"}   connection refused, DNS failure
//	{"error": "timeout"}             agent.timeout elapsed
//	{"error": "invalid agent response", "status": 502}
//
// A JSON reply that is not an object is wrapped as {"data": <reply>}.
package agent
