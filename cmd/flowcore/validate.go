package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowcore/runtime/internal/graph"
	"github.com/flowcore/runtime/internal/manifest"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest.json>",
		Short: "Parse and validate a pipeline manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := manifest.Parse(data)
			if err != nil {
				return err
			}
			g, err := graph.Build(m)
			if err != nil {
				return err
			}
			fmt.Printf("manifest valid: %d nodes, %d edges, class=%s\n", len(g.Nodes), len(m.Connections), g.Class)
			return nil
		},
	}
	return cmd
}
