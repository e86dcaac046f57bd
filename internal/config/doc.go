// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and defaults for everything except the
// database path.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// RELAY_DB_PATH, when set, overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  send_timeout: "5s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  grpc_addr: "0.0.0.0:50051"
//	database:
//	  path: "./data/relay.db"
//	uploads:
//	  dir: "./uploads"
//	relay:
//	  poll_limit: 10
//	  recent_commands: 20
//	sinks:
//	  nats:
//	    enabled: true
//	    url: "nats://127.0.0.1:4222"
//	logging:
//	  level: "info"
//	  format: "text"
package config
