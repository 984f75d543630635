// Package rabbitmq implements an RPC node over a RabbitMQ broker.
//
// Each node owns one connection, one confirm-mode channel and an
// auto-delete queue named "<id>-queue". Requests are published to the
// default exchange with the peer's queue name as routing key and the
// node's own queue as reply-to. Responses are matched to callers by
// request id.
//
//	server, _ := rabbitmq.New("server", "localhost", rabbitmq.WithDispatcher(d))
//	_ = server.Listen(ctx)
//
//	client, _ := rabbitmq.New("client", "localhost")
//	greeting, err := rabbitmq.InvokeAs[string](ctx, client, "server-queue", "hello", "mo")
//
// Connections are not re-established automatically. When the broker
// returns an unroutable message or the connection fails, the node emits
// error and closed connection events and every waiting call fails; the
// next call dials again.
package rabbitmq
