package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"mini-call/client"
	"mini-call/message"
	"mini-call/status"

	"github.com/spf13/cobra"
)

var callFlags struct {
	baseURL string
	fn      int
	data    string
	files   []string
	queue   bool
	action  string
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Run one call and print its status updates",
	RunE:  runCall,
}

func init() {
	callCmd.Flags().StringVar(&callFlags.baseURL, "base-url", "", "backend base URL (overrides the config)")
	callCmd.Flags().IntVar(&callFlags.fn, "fn", 0, "call index of the remote function")
	callCmd.Flags().StringVar(&callFlags.data, "data", "[]", "call data as a JSON array")
	callCmd.Flags().StringSliceVar(&callFlags.files, "file", nil, "attach a file to data slot 0 (repeatable)")
	callCmd.Flags().BoolVar(&callFlags.queue, "queue", false, "go through the queue when the action allows it")
	callCmd.Flags().StringVar(&callFlags.action, "action", "predict", "backend route")
}

func runCall(cmd *cobra.Command, args []string) error {
	if callFlags.baseURL != "" {
		cfg.BaseURL = callFlags.baseURL
	}

	var data []any
	if err := json.Unmarshal([]byte(callFlags.data), &data); err != nil {
		return fmt.Errorf("--data must be a JSON array: %w", err)
	}

	var entry message.BinaryEntry
	for _, path := range callFlags.files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		entry = append(entry, message.File{Name: filepath.Base(path), Data: raw})
	}
	var binary []message.BinaryEntry
	if len(entry) > 0 {
		binary = []message.BinaryEntry{entry}
	}

	c, err := client.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	tracker := status.NewTracker()
	unsubscribe, err := tracker.Subscribe(func(u message.StatusUpdate) {
		fmt.Fprintln(out, formatUpdate(u))
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	res, err := c.Call(ctx, &client.Call{
		Action:    callFlags.action,
		Payload:   &message.Payload{Data: data, BinaryData: binary, CallIndex: callFlags.fn},
		Queue:     callFlags.queue,
		BackendFn: true,
		Sink:      tracker,
		OnResult: func(r *message.CallResponse) {
			printJSON(out, r)
		},
	})
	if err != nil {
		return err
	}

	switch res.Mode {
	case client.ModeDirect:
		printJSON(out, res.Response)
	case client.ModeQueued:
		if res.Session == nil {
			return fmt.Errorf("queue unreachable")
		}
		if _, err := res.Session.Wait(ctx); err != nil {
			res.Session.Cancel()
			return err
		}
	}
	return nil
}

func formatUpdate(u message.StatusUpdate) string {
	line := fmt.Sprintf("[%d] %s", u.CallIndex, u.Phase)
	if u.Rank != nil && u.QueueSize != nil {
		line += fmt.Sprintf(" rank %d/%d", *u.Rank, *u.QueueSize)
	}
	if u.ETA != nil {
		line += fmt.Sprintf(" eta %.2fs", *u.ETA)
	}
	for _, p := range u.ProgressData {
		if p.Index != nil && p.Length != nil {
			line += fmt.Sprintf(" %d/%d %s", *p.Index, *p.Length, p.Unit)
		}
	}
	if u.ErrorMessage != nil {
		line += ": " + *u.ErrorMessage
	}
	return line
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}
