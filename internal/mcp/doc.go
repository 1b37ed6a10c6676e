// Package mcp implements a Model Context Protocol client: JSON-RPC 2.0
// over a stdio subprocess or streamable HTTP, the initialize handshake,
// tool discovery, and tool invocation. The Manager supervises one
// connection per configured server and bridges discovered tools into
// the agent's tool registry under namespaced names.
package mcp
