// Package transport manages the per-session UDP sockets.
package transport
