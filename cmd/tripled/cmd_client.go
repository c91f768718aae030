package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/tripled/pkg/client"
)

var (
	serverURL  string
	useH2C     bool
	submitWait time.Duration
	queryTimeoutMs int
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "tripled server URL")
		cmd.Flags().BoolVar(&useH2C, "h2c", false, "Use cleartext HTTP/2")
	}
}

func newClient() *client.Client {
	var opts []client.Option
	if useH2C {
		opts = append(opts, client.WithHTTP2())
	}
	return client.New(strings.TrimRight(serverURL, "/"), opts...)
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit an update from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 0 || args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read update: %w", err)
		}

		c := newClient()
		b, err := c.SubmitBatch(cmd.Context(), string(data))
		if err != nil {
			return err
		}
		if submitWait > 0 {
			if b, err = c.GetBatch(cmd.Context(), b.ID, submitWait); err != nil {
				return err
			}
		}
		if err := printJSON(cmd.OutOrStdout(), b); err != nil {
			return err
		}
		if b.Terminal() && b.Status != "succeeded" {
			return fmt.Errorf("batch %s %s: %s", b.ID, b.Status, b.Error)
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <id>",
	Short: "Show a submitted batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient().GetBatch(cmd.Context(), args[0], submitWait)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <select>",
	Short: "Run a SELECT query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Query(cmd.Context(), args[0], queryTimeoutMs)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show coordinator statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

func init() {
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "Wait up to this long for the batch to finish")
	batchCmd.Flags().DurationVar(&submitWait, "wait", 0, "Wait up to this long for the batch to finish")
	queryCmd.Flags().IntVar(&queryTimeoutMs, "timeout-ms", -1, "Lease wait in milliseconds; -1 uses the server default, 0 runs only if free")
	addClientFlags(submitCmd, batchCmd, queryCmd, statsCmd)
	rootCmd.AddCommand(submitCmd, batchCmd, queryCmd, statsCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
