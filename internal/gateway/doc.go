// Package gateway connects sessions to the speech pipeline. Gateway receives
// flushed utterances from session workers and submits them for transcription
// on bounded background goroutines. SynthesisListener drains the TTS output
// queue and plays synthesized speech back through the session registry.
package gateway
