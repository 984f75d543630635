// Package contracts defines the JSON-RPC 2.0 messages exchanged between nodes.
//
// This package provides:
//   - Request: a method call that expects a Response with the same ID
//   - Notification: a method call with no ID and no response
//   - Response: a result or a RemoteError, correlated by request ID
//   - Parse: classifies an incoming payload into one of the above
//
// Messages are immutable once built and travel as JSON. Transports treat
// the marshalled bytes as opaque; only the message ID, method, params,
// headers and error content are exposed to the rest of the module.
package contracts
