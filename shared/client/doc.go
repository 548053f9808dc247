// Package client is the Go client for a pulse server.
//
// Conversations holds the per-peer message lists and reconciles optimistic
// placeholders against server responses and realtime pushes. API wraps the
// HTTP endpoints, Socket runs a realtime session that feeds pushes into
// Conversations, and Chat ties the three together for the send flow.
package client
