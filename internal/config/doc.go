// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every timing and
// sizing knob, so a minimal file only names the server address, database
// path, JWT secret, runtime command and at least one agent role.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	websocket:
//	  heartbeat_interval: "3s"
//	  ping_timeout: "5s"
//	  idle_timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Runtime and agent roles:
//
//	runtime:
//	  command: "parley-runtime"
//	agents:
//	  assistant:
//	    system_prompt: "You are a helpful assistant."
//	    model: "default"
//	    max_turns: 50
//
// Session pool and output pacing:
//
//	sessions:
//	  max_sessions: 100
//	  idle_timeout: "30m"
//	  sweep_interval: "5m"
//	pacer:
//	  initial_flush_interval: "50ms"
//	  steady_flush_interval: "100ms"
//	  max_buffer_size: 30
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/parley/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
