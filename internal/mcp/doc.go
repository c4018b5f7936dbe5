// Package mcp runs MCP (Model Context Protocol) tool servers as
// subprocesses and talks to them as a client.
//
// MCP uses JSON-RPC 2.0; the filesystem tool server speaks it as
// newline-delimited messages over the subprocess's stdin/stdout. The
// client performs the initialize handshake, discovers tools via
// tools/list, and invokes them via tools/call.
//
// A tool server's lifetime is scoped: [WithServer] starts the
// subprocess, hands a live [Server] to a callback, and terminates the
// subprocess before returning, whether the callback succeeds, fails,
// or panics. Two client implementations sit behind [Session]: the
// built-in JSON-RPC [Client] and [SDKSession] on the official Go SDK.
package mcp
