package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"

	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/discovery"
	"github.com/cognexus/plugin-host/metadata"
)

type format int

const (
	formatText format = iota
	formatJSON
	formatYAML
)

func parseFormat(s string) (format, error) {
	switch s {
	case "text", "":
		return formatText, nil
	case "json":
		return formatJSON, nil
	case "yaml":
		return formatYAML, nil
	default:
		return formatText, usageError("unknown output format %q: use text, json or yaml", s)
	}
}

// moduleReport is the result of inspecting a single module.
type moduleReport struct {
	Path        string             `json:"path" yaml:"path"`
	Kind        abi.ModuleKind     `json:"kind" yaml:"kind"`
	Definitions []metadata.Summary `json:"definitions" yaml:"definitions"`
}

func encode(w io.Writer, f format, v any) error {
	switch f {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("format %d has no encoder", f)
	}
}

func writeModuleReport(w io.Writer, f format, r moduleReport) error {
	if f != formatText {
		return encode(w, f, r)
	}

	if r.Kind == abi.KindNodes {
		fmt.Fprintf(w, "Found %d node(s):\n", len(r.Definitions))
	} else {
		fmt.Fprintf(w, "Found %d data type(s):\n", len(r.Definitions))
	}
	for _, d := range r.Definitions {
		fmt.Fprintf(w, "  - %s (%s)\n", d.Name, d.ID)
		fmt.Fprintf(w, "    Description: %s\n", d.Description)
		fmt.Fprintf(w, "    Version: %s\n", d.Version)
		if r.Kind == abi.KindNodes {
			fmt.Fprintf(w, "    Input ports: %d\n", len(d.InputPorts))
			fmt.Fprintf(w, "    Output ports: %d\n", len(d.OutputPorts))
		}
	}
	return nil
}

// discoverOutput is the serialisable result of a discover run.
type discoverOutput struct {
	Report   *discovery.Report  `json:"report" yaml:"report"`
	Deferred []string           `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	Types    []metadata.Summary `json:"types" yaml:"types"`
	Nodes    []metadata.Summary `json:"nodes" yaml:"nodes"`
}

func writeDiscoverReport(w io.Writer, f format, out discoverOutput) error {
	if f != formatText {
		return encode(w, f, out)
	}

	r := out.Report
	fmt.Fprintf(w, "Discovered %d module(s): %d succeeded, %d failed, %d deferred\n",
		r.Len(), len(r.Succeeded), len(r.Failed), len(r.Deferred))

	if len(r.Succeeded) > 0 {
		fmt.Fprintln(w, "\nSucceeded:")
		for _, s := range r.Succeeded {
			fmt.Fprintf(w, "  - %s (%s, %d definition(s))\n", s.Path, s.Kind, len(s.IDs))
		}
	}
	if len(r.Failed) > 0 {
		fmt.Fprintln(w, "\nFailed:")
		for _, fl := range r.Failed {
			fmt.Fprintf(w, "  - %s\n    %s: %s\n", fl.Path, fl.Kind, fl.Detail)
		}
	}
	if len(out.Deferred) > 0 {
		fmt.Fprintln(w, "\nDeferred:")
		for _, p := range out.Deferred {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}

	fmt.Fprintf(w, "\nFound %d data type(s):\n", len(out.Types))
	for _, t := range out.Types {
		fmt.Fprintf(w, "  - %s (%s) %s\n", t.Name, t.ID, t.Version)
	}
	fmt.Fprintf(w, "\nFound %d node(s):\n", len(out.Nodes))
	for _, n := range out.Nodes {
		fmt.Fprintf(w, "  - %s (%s) %s, %d in / %d out\n",
			n.Name, n.ID, n.Version, len(n.InputPorts), len(n.OutputPorts))
	}
	return nil
}

func summarize(entries []metadata.Entry) []metadata.Summary {
	out := make([]metadata.Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, metadata.Summarize(e))
	}
	return out
}
