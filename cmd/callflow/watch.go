package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/inimical023/callflow/client"
)

// runWatch implements "callflow watch": it streams lifecycle events from a
// running instance's admin API and prints them as JSON lines.
func runWatch(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8080/v1/watch", "watch endpoint")
	token := fs.String("token", os.Getenv("CALLFLOW_TOKEN"), "bearer token")
	topics := fs.String("topics", "", "comma-separated topics (default firehose)")
	call := fs.String("call", "", "only events for this correlation id")
	reconnect := fs.Int("reconnect", 5, "reconnection attempts, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := []client.Option{client.WithToken(*token), client.WithLogger(logger)}
	if *topics != "" {
		opts = append(opts, client.WithTopics(strings.Split(*topics, ",")...))
	}
	if *call != "" {
		opts = append(opts, client.WithCorrelationID(*call))
	}
	if *reconnect > 0 {
		opts = append(opts, client.WithReconnect(*reconnect, time.Second))
	}
	c, err := client.Dial(ctx, *url, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(out)
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("watch stream closed")
			}
			if err := enc.Encode(evt); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
