// Package session owns the lifecycle of device audio channels.
// Each session binds its own UDP endpoint, holds the AES key and nonce
// template handed to the device, and runs a single worker goroutine that
// decrypts, decodes and segments inbound audio and serializes outbound sends.
// The Registry creates, replaces, lists and tears sessions down.
package session
