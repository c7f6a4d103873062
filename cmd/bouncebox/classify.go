package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/bouncebox/internal/bounce"
	"github.com/shineum/bouncebox/internal/parser"
)

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify a raw message read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if len(args) == 1 && args[0] != "-" {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			fields := parser.Extract(raw)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "label:      %s\n", bounce.Classify(raw))
			fmt.Fprintf(w, "from:       %s\n", fields.From)
			fmt.Fprintf(w, "to:         %s\n", fields.To)
			fmt.Fprintf(w, "subject:    %s\n", fields.Subject)
			fmt.Fprintf(w, "message-id: %s\n", fields.MessageID)
			return nil
		},
	}
}
