package gateway

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pallasmanul/agentServer/internal/audio"
)

type submission struct {
	sessionID string
	wav       []byte
}

// recordingSubmitter captures submissions and can hold them until released
type recordingSubmitter struct {
	mu          sync.Mutex
	submissions []submission
	err         error

	hold    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	done    chan struct{}
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{done: make(chan struct{}, 64)}
}

func (r *recordingSubmitter) Submit(ctx context.Context, sessionID string, wav []byte) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			r.done <- struct{}{}
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.submissions = append(r.submissions, submission{sessionID: sessionID, wav: wav})
	r.mu.Unlock()

	r.done <- struct{}{}
	return r.err
}

func (r *recordingSubmitter) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for submission %d of %d", i+1, n)
		}
	}
}

func TestSubmitFlushPackagesWAV(t *testing.T) {
	sub := newRecordingSubmitter()
	g := New(sub, Config{}, nil, nil)
	defer g.Close(context.Background())

	params := audio.Params{SampleRate: 16000, Channels: 1, FrameDurationMs: 20}
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 640)

	g.SubmitFlush("device-1", params, pcm, 2)
	sub.wait(t, 1)

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(sub.submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(sub.submissions))
	}
	got := sub.submissions[0]
	if got.sessionID != "device-1" {
		t.Errorf("sessionID = %q, want device-1", got.sessionID)
	}

	format, decoded, err := audio.DecodeWAV(got.wav)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 || format.BitsPerSample != 16 {
		t.Errorf("format = %+v", format)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Error("WAV payload differs from flushed PCM")
	}
}

func TestSubmitFlushStereoTrimsPartialSample(t *testing.T) {
	sub := newRecordingSubmitter()
	g := New(sub, Config{}, nil, nil)
	defer g.Close(context.Background())

	params := audio.Params{SampleRate: 8000, Channels: 2, FrameDurationMs: 10}
	pcm := make([]byte, 322)

	g.SubmitFlush("s", params, pcm, 2)
	sub.wait(t, 1)

	sub.mu.Lock()
	defer sub.mu.Unlock()

	format, decoded, err := audio.DecodeWAV(sub.submissions[0].wav)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if format.Channels != 2 {
		t.Errorf("channels = %d, want 2", format.Channels)
	}
	if len(decoded) != 320 {
		t.Errorf("payload = %d bytes, want 320", len(decoded))
	}
}

func TestSubmitFlushEmptyRejected(t *testing.T) {
	sub := newRecordingSubmitter()
	g := New(sub, Config{}, nil, nil)

	g.SubmitFlush("s", audio.Params{SampleRate: 8000, Channels: 1, FrameDurationMs: 10}, []byte{0x01}, 0)

	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats := g.Stats()
	if stats.Rejected != 1 || stats.Dispatched != 0 {
		t.Errorf("stats = %+v, want one rejected and none dispatched", stats)
	}
}

func TestSubmitFlushBoundedConcurrency(t *testing.T) {
	sub := newRecordingSubmitter()
	sub.hold = make(chan struct{})

	g := New(sub, Config{MaxConcurrent: 2}, nil, nil)
	params := audio.Params{SampleRate: 8000, Channels: 1, FrameDurationMs: 10}

	for i := 0; i < 6; i++ {
		g.SubmitFlush("s", params, make([]byte, 160), 1)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub.active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := sub.active.Load(); got != 2 {
		t.Errorf("active submissions = %d, want 2", got)
	}

	close(sub.hold)
	sub.wait(t, 6)

	if got := sub.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent submissions = %d, want <= 2", got)
	}

	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := g.Stats(); stats.Submitted != 6 || stats.Dispatched != 6 {
		t.Errorf("stats = %+v, want 6 dispatched and submitted", stats)
	}
}

func TestSubmitFlushFailureCounted(t *testing.T) {
	sub := newRecordingSubmitter()
	sub.err = errors.New("asr down")

	g := New(sub, Config{}, nil, nil)
	g.SubmitFlush("s", audio.Params{SampleRate: 8000, Channels: 1, FrameDurationMs: 10}, make([]byte, 160), 1)
	sub.wait(t, 1)

	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := g.Stats(); stats.Failed != 1 || stats.Submitted != 0 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
}

func TestCloseCancelsPendingSubmissions(t *testing.T) {
	sub := newRecordingSubmitter()
	sub.hold = make(chan struct{})

	g := New(sub, Config{MaxConcurrent: 1}, nil, nil)
	params := audio.Params{SampleRate: 8000, Channels: 1, FrameDurationMs: 10}
	g.SubmitFlush("s", params, make([]byte, 160), 1)
	g.SubmitFlush("s", params, make([]byte, 160), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := g.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want deadline exceeded", err)
	}
	if err := g.Close(context.Background()); !errors.Is(err, ErrGatewayClosed) {
		t.Errorf("second Close() error = %v, want ErrGatewayClosed", err)
	}

	g.SubmitFlush("s", params, make([]byte, 160), 1)
	if stats := g.Stats(); stats.Rejected != 1 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want 1 rejected and 2 failed", stats)
	}
}
