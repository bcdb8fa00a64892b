package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pallasmanul/agentServer/internal/server"
)

var apiURL string

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage UDP channels on a running service",
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8001", "management API base URL")

	cmd.AddCommand(channelCreateCmd(), channelDeleteCmd(), channelListCmd(), channelPlayCmd())
	return cmd
}

func channelCreateCmd() *cobra.Command {
	var req server.CreateChannelRequest

	cmd := &cobra.Command{
		Use:   "create [session_id]",
		Short: "Open a UDP channel and print its key material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SessionID = args[0]
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			return callAPI(http.MethodPost, "/udp_channel", "application/json", bytes.NewReader(body))
		},
	}

	// zero leaves the service's configured default
	cmd.Flags().IntVar(&req.InputSampleRate, "rate", 0, "device sample rate in Hz")
	cmd.Flags().IntVar(&req.Channels, "channels", 0, "channel count")
	cmd.Flags().IntVar(&req.FrameDuration, "frame", 0, "frame duration in ms")
	return cmd
}

func channelDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Tear down a UDP channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(http.MethodDelete, "/udp_channel/"+url.PathEscape(args[0]), "", nil)
		},
	}
}

func channelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [session_id]",
		Short: "Show all channels, or one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/udp_pool"
			if len(args) == 1 {
				path += "?session_id=" + url.QueryEscape(args[0])
			}
			return callAPI(http.MethodGet, path, "", nil)
		},
	}
}

func channelPlayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play [session_id] [file.wav]",
		Short: "Send a WAV file to the device behind a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wav, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			path := "/udp_channel/" + url.PathEscape(args[0]) + "/audio"
			return callAPI(http.MethodPost, path, "audio/wav", bytes.NewReader(wav))
		},
	}
}

// callAPI performs one management request and prints the JSON reply
func callAPI(method, path, contentType string, body io.Reader) error {
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Println(out.String())

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
