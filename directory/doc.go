// Package directory resolves node ids to the queues they listen on.
//
// Static resolves from a fixed table and the "<id>-queue" convention. Etcd
// registers nodes in etcd under a TTL lease so that other processes can
// discover them.
package directory
