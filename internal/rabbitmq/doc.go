// Package rabbitmq wraps amqp091-go for node transports.
//
// Connection and Channel describe the parts of the client library nodes
// use, so tests can substitute the in-memory broker from rabbitmqtest.
// Publisher tracks publisher confirms by delivery tag and Consumer drains
// a queue's deliveries in order.
package rabbitmq
