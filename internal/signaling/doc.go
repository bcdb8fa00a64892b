// Package signaling implements the device control handshake over Redis
// pub/sub. A hello creates (or returns) the device's encrypted UDP channel and
// a goodbye tears it down; every session teardown is announced with a goodbye.
package signaling
