package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgraph/internal/diagram"
	"github.com/rendis/flowgraph/internal/graph"
	"github.com/rendis/flowgraph/pkg/schema"
)

func newDiagramCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "diagram <definition.json>",
		Short: "Render a workflow file as ASCII, Mermaid or an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			loader, err := graph.NewLoader()
			if err != nil {
				return err
			}
			title := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			def, name, err := loadDefinitionFile(loader, raw)
			if err != nil {
				return err
			}
			if name != "" {
				title = name
			}
			model, err := diagram.Build(title, def, nil)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "png", "svg":
				if out, err = diagram.RenderImage(cmd.Context(), model, format); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want ascii, mermaid, png or svg)", format)
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "ascii, mermaid, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// loadDefinitionFile accepts either a bare definition or a workflow record
// wrapping one and returns the validated definition and the workflow name.
func loadDefinitionFile(loader *graph.Loader, raw []byte) (*schema.Definition, string, error) {
	var wrapper struct {
		Name       string          `json:"name"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Definition) > 0 {
		def, err := loader.Load(wrapper.Definition)
		return def, wrapper.Name, err
	}
	def, err := loader.Load(raw)
	return def, "", err
}
