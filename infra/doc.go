// Package infra holds the adapters behind the core contracts: MQTT station
// transport, metrics sinks, audit stores, topology sources and the dashboard
// WebSocket hub. Adapters import core packages, never the reverse.
package infra
