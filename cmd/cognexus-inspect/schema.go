package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cognexus/plugin-host/abi"
)

func newSchemaCmd(a *app) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema a module's discovery payload must satisfy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			raw, err := abi.Schema(k)
			if err != nil {
				return failure(err)
			}
			_, err = fmt.Fprintln(a.stdout, string(raw))
			return err
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "types", "kind of module: types or nodes")
	return cmd
}
