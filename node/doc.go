// Package node holds the transport-independent part of an RPC node.
//
// A transport embeds *Base and implements Sender. Base parses inbound
// payloads, resolves pending calls from responses, dispatches requests and
// notifications to the messaging.Dispatcher, and answers requests through
// the transport. Transports report connection failures with
// ConnectionEvent, which fails every pending call on EventClosed.
package node
