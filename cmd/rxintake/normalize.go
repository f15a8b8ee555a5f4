package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxintake/internal/fhir/mapper"
	"github.com/drfirst/go-rxintake/internal/fhir/r5"
	"github.com/drfirst/go-rxintake/internal/normalize"
)

// errCriticalIssues fails a --strict run. The report has already been written.
var errCriticalIssues = errors.New("critical issues found")

type normalizeOutput struct {
	Prescription *normalize.Prescription `json:"prescription"`
	Summary      normalize.Summary       `json:"summary"`
	Bundle       *r5.Bundle              `json:"bundle,omitempty"`
	Outcome      *r5.OperationOutcome    `json:"outcome,omitempty"`
}

func normalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize [file|-]",
		Short: "Normalize extractor output from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fhir, _ := cmd.Flags().GetBool("fhir")
			strict, _ := cmd.Flags().GetBool("strict")

			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			return runNormalize(cmd.OutOrStdout(), data, fhir, strict)
		},
	}
	cmd.Flags().Bool("fhir", false, "include the FHIR bundle and OperationOutcome")
	cmd.Flags().Bool("strict", false, "exit non-zero when critical issues remain")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

func runNormalize(w io.Writer, data []byte, fhir, strict bool) error {
	p := normalize.Normalize(data)
	out := normalizeOutput{
		Prescription: p,
		Summary:      normalize.Summarize(p.Issues),
	}
	if fhir {
		out.Bundle = mapper.ToBundle(p, mapper.Options{})
		out.Outcome = mapper.ToOperationOutcome(p.Issues)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if strict && out.Summary.Critical > 0 {
		return errCriticalIssues
	}
	return nil
}
