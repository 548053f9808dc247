// Package chat implements one-to-one messaging: persistence of messages,
// the send/delete/history operations, the assistant bot, and the HTTP API
// in front of them. Live delivery is delegated to a Notifier (the realtime
// Delivery Router in production).
package chat
