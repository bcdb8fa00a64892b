// Package transcription delivers flushed utterances to the speech recognition
// pipeline. HTTPClient uploads them to the ASR intake endpoint with retries and
// exponential backoff; RedisQueue writes them directly onto the ASR work queue.
package transcription
