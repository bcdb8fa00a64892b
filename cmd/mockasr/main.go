// Command mockasr is a stand-in transcription endpoint for local runs. It
// accepts the multipart uploads the audio-io HTTP backend sends, logs what it
// received and answers with a fixed transcript.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Pallasmanul/agentServer/internal/audio"
)

// TranscriptionResponse is the mock reply
type TranscriptionResponse struct {
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Duration    float64   `json:"duration"`
	SampleRate  int       `json:"sample_rate"`
	Channels    int       `json:"channels"`
	ProcessedAt time.Time `json:"processed_at"`
}

func newHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /asr", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		duration := info.Duration

		logger.Info("Transcription request received",
			slog.String("session_id", sessionID),
			slog.String("filename", header.Filename),
			slog.Int("bytes", len(data)),
			slog.Int("sample_rate", info.SampleRate),
			slog.Int("channels", info.Channels),
			slog.Float64("duration_s", duration),
			slog.Bool("authorized", r.Header.Get("Authorization") != ""),
		)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TranscriptionResponse{
			SessionID:   sessionID,
			Text:        fmt.Sprintf("mock transcript of %.2f seconds", duration),
			Duration:    duration,
			SampleRate:  info.SampleRate,
			Channels:    info.Channels,
			ProcessedAt: time.Now(),
		})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return mux
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("Mock transcription server listening", slog.String("address", *addr))

	if err := http.ListenAndServe(*addr, newHandler(logger)); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
