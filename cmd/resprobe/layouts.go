// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gviegas/residency/driver/soft"
)

func newLayoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layouts [name...]",
		Short: "Print the soft device layout presets as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = soft.PresetNames()
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			for _, name := range args {
				lay, ok := soft.Preset(name)
				if !ok {
					return fmt.Errorf("unknown layout %q (have %v)", name, soft.PresetNames())
				}
				if err := enc.Encode(&lay); err != nil {
					return err
				}
			}
			return enc.Close()
		},
	}
}
