// Package engine is the composition root that assembles the Qwen adapter,
// key sources, rate limiting and metrics from a config.Config. Frontends
// (the CLI and the MCP server) talk to Engine and Session and observe
// activity through an EventBus.
package engine
