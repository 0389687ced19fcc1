// Package config provides centralized configuration management for the
// agentpayd runtime. It loads a single JSON file, applies defaults for
// every subsystem (wallet custody, credential store, issuer, RPC, journal,
// recovery queue, logging) and resolves relative paths against the config
// file location.
package config
