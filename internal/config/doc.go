// Package config handles configuration loading for harbor-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, then defaults are applied and the result
// is validated.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HARBOR_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  timeout: "30s"
//	health:
//	  interval: "60s"
//	  timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # HTTP API
//	  ws_addr: "0.0.0.0:8081"     # WebSocket channels and deploy streams
//	agent:
//	  url: "http://localhost:7000/message"
//	registry:
//	  backend: "json"             # or "sqlite"
//	  path: "data/apps.json"
//	webhooks:
//	  dedupe_ttl: "5m"
//	  dedupe_size: 10000
//	auth:
//	  jwt_secret: ""              # empty disables API auth
//	tailscale:
//	  enabled: false
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # or "json"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
