package cli

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	outputText = "text"
	outputYAML = "yaml"
)

func checkOutputFormat(f string) error {
	switch f {
	case outputText, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want %s or %s)", f, outputText, outputYAML)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
