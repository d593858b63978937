// Package ipc exposes daemon control over JSON-RPC on a Unix domain socket.
// The CLI is its primary client; the HTTP API covers remote callers.
package ipc
