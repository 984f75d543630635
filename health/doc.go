// Package health reports the health of a running node: its broker
// connection, pending calls, directory registration and runtime load.
package health
