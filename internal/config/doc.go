// Package config handles configuration loading for the oblivion agent binary.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package validates required fields and parses duration strings.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	nexus:
//	  client_secret: "${OBLIVION_CLIENT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reconnect:
//	  delay: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Nexus endpoint and credentials:
//
//	nexus:
//	  url: "http://localhost:3000"
//	  client_id: "my-agent"
//	  client_secret: "${OBLIVION_CLIENT_SECRET}"
//
// Agent identity:
//
//	agent:
//	  capabilities: ["chat"]
//	  version: "0.1.0"
//
// Reconnection:
//
//	reconnect:
//	  disabled: false
//	  delay: "5s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/oblivion/agent.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
