// Package vad provides voice activity detection and utterance segmentation.
// A Classifier labels fixed-size PCM frames as speech or silence; the
// Segmenter buffers speech plus its trailing silence, emits the buffer once a
// short silence ends the utterance and reports a timeout after a long one.
package vad
