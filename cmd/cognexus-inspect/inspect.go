package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cognexus/plugin-host/translator"
)

// runInspect loads one module, translates its records and prints them.
func (a *app) runInspect(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(a.kind)
	if err != nil {
		return err
	}
	f, err := parseFormat(a.output)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	path := args[0]
	if f == formatText {
		fmt.Fprintf(a.stdout, "Loading module: %s\n\n", path)
	}

	l, cleanup, err := a.newLoader(ctx)
	if err != nil {
		return failure(err)
	}
	defer cleanup()

	recs, err := l.Discover(ctx, path, kind)
	if err != nil {
		return failure(err)
	}

	entries, err := translator.Records(recs)
	if err != nil {
		return failure(fmt.Errorf("%s: %w", path, err))
	}

	a.logger.DebugContext(ctx, "module inspected", "path", path, "kind", kind.String(), "definitions", len(entries))
	return writeModuleReport(a.stdout, f, moduleReport{
		Path:        path,
		Kind:        kind,
		Definitions: summarize(entries),
	})
}
