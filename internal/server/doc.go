// Package server exposes the audio-io management API over HTTP: UDP channel
// lifecycle, synthesized audio delivery to a device, the channel pool, and
// the health, stats and Prometheus endpoints.
package server
