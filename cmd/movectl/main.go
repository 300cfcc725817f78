// Command movectl drives a running movementd over its REST API: starting,
// pausing, resuming, and cancelling movements and batches, inspecting
// status, and managing resource attribute records.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultServer is used when neither --server nor MOVEMENT_SERVER is set.
const DefaultServer = "http://localhost:8080"

func main() {
	root := newRootCommand(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	server  string
	timeout time.Duration
}

func (o *cliOptions) client() *client {
	return &client{
		base: o.server,
		http: &http.Client{Timeout: o.timeout},
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "movectl",
		Short:         "Control a movement simulation engine over its REST API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)

	server := os.Getenv("MOVEMENT_SERVER")
	if server == "" {
		server = DefaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "base URL of the movementd API")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newStartCommand(out, opts),
		newControlCommand(out, opts, "pause", "Pause a moving session"),
		newControlCommand(out, opts, "resume", "Resume a paused session"),
		newControlCommand(out, opts, "cancel", "Cancel a session"),
		newStatusCommand(out, opts),
		newActiveCommand(out, opts),
		newSpeedsCommand(out, opts),
		newBatchCommand(out, opts),
		newResourceCommand(out, opts),
	)
	return root
}

// client is a thin wrapper over the JSON envelope protocol.
type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = resp.Status
		}
		return nil, fmt.Errorf("%s", env.Error)
	}
	return env.Data, nil
}

// printData renders the envelope payload as indented JSON; an empty payload
// becomes a bare "ok" for commands like delete.
func printData(out io.Writer, data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := fmt.Fprintln(out, string(data))
		return werr
	}
	_, err := fmt.Fprintln(out, buf.String())
	return err
}
