// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Fields missing from the file keep the values from Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. Path from the --config flag
//  3. $XDG_CONFIG_HOME/coven/relay.yaml
//  4. ~/.config/coven/relay.yaml
//
// The format is chosen by extension: .toml is TOML, anything else is YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket, health and admin API
//	  grpc_addr: ""               # optional grpc.health.v1 service
//	  ws_path: "/ws"
//	  allowed_origins: ["*"]
//
//	database:
//	  driver: "sqlite"            # sqlite, postgres, memory
//	  path: "/var/lib/coven/relay.db"
//	  dsn: "${COVEN_RELAY_DSN}"
//
//	auth:
//	  jwt_secret: ""
//	  hash_passwords: false
//
//	relay:
//	  ping_interval: "30s"
//	  pong_timeout: "30s"
//	  write_timeout: "10s"
//	  read_limit: 65536
//	  guest_broadcast: true
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
