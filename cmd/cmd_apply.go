// cmd_apply.go - Apply Command: Block-Gewichte auf Dateien anwenden
// Hauptfunktionen: ApplyHandler, OutputPath
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/blockweight"
	"github.com/lorablock/lbw/envconfig"
)

var (
	errNoRatios      = errors.New("one of --ratios or --preset is required")
	errOutputMulti   = errors.New("--output can only be used with a single input file")
	errOutputExists  = errors.New("output file exists, use --force or LBW_OVERWRITE=1 to replace it")
	errOutputIsInput = errors.New("output path equals input path")
)

// OutputPath - Leitet den Ausgabepfad ab: lora.safetensors -> lora_lbw.safetensors
func OutputPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// ratiosFromFlags - Liest --ratios oder --preset
func ratiosFromFlags(cmd *cobra.Command) (block.Ratios, error) {
	if s, _ := cmd.Flags().GetString("ratios"); s != "" {
		return block.ParseRatios(s)
	}

	name, _ := cmd.Flags().GetString("preset")
	if name == "" {
		return block.Ratios{}, errNoRatios
	}

	presets, err := loadPresets()
	if err != nil {
		return block.Ratios{}, err
	}

	return presets.Lookup(name)
}

// outputPaths - Ausgabepfad pro Eingabe, leer bei --dry-run
func outputPaths(cmd *cobra.Command, args []string) ([]string, error) {
	outputs := make([]string, len(args))
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return outputs, nil
	}

	output, _ := cmd.Flags().GetString("output")
	if output != "" && len(args) > 1 {
		return nil, errOutputMulti
	}

	suffix := envconfig.Suffix()
	if cmd.Flags().Changed("suffix") {
		suffix, _ = cmd.Flags().GetString("suffix")
	}

	force, _ := cmd.Flags().GetBool("force")
	force = force || envconfig.Overwrite()

	for i, path := range args {
		out := output
		if out == "" {
			out = OutputPath(path, suffix)
		}

		if filepath.Clean(out) == filepath.Clean(path) && !force {
			return nil, fmt.Errorf("%s: %w", out, errOutputIsInput)
		}

		if _, err := os.Stat(out); err == nil && !force {
			return nil, fmt.Errorf("%s: %w", out, errOutputExists)
		}

		outputs[i] = out
	}

	return outputs, nil
}

// ApplyHandler - Skaliert alle Eingabedateien, mehrere Dateien parallel
func ApplyHandler(cmd *cobra.Command, args []string) error {
	ratios, err := ratiosFromFlags(cmd)
	if err != nil {
		return err
	}

	outputs, err := outputPaths(cmd, args)
	if err != nil {
		return err
	}

	reports := make([]*blockweight.Report, len(args))
	errs := make([]error, len(args))

	var g errgroup.Group
	g.SetLimit(envconfig.Jobs())

	for i, path := range args {
		g.Go(func() error {
			_, reports[i], errs[i] = blockweight.Process(path, ratios, outputs[i])
			return nil
		})
	}

	g.Wait() //nolint:errcheck

	if !envconfig.NoProgress() {
		w := cmd.OutOrStdout()
		for i, path := range args {
			switch {
			case errs[i] != nil:
				fmt.Fprintf(w, "%s: failed: %v\n", path, errs[i])
			case outputs[i] == "":
				fmt.Fprintf(w, "%s: %d scaled, %d skipped (dry run)\n", path, reports[i].Classified(), len(reports[i].Unclassified))
			default:
				fmt.Fprintf(w, "%s -> %s: %d scaled, %d skipped\n", path, outputs[i], reports[i].Classified(), len(reports[i].Unclassified))
			}
		}
	}

	return errors.Join(errs...)
}

// newApplyCmd - Erstellt den apply Command
func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply FILE...",
		Short: "Scale LoRA weights per block",
		Long: `Scale every tensor of a LoRA file by the ratio of its UNet block.

Ratios are 17 comma separated numbers in the order
BASE,IN01,IN02,IN03,IN04,IN05,IN06,MID,OUT01,...,OUT09.`,
		Example: `  lbw apply --ratios 1,1,1,1,1,1,1,0.5,1,1,1,1,1,1,1,1,1 lora.safetensors
  lbw apply --preset OUTALL -o out.bin pytorch_lora_weights.bin`,
		Args: cobra.MinimumNArgs(1),
		RunE: ApplyHandler,
	}

	cmd.Flags().StringP("ratios", "r", "", "17 comma separated block ratios")
	cmd.Flags().StringP("preset", "p", "", "Name of a ratio preset (see 'lbw blocks')")
	cmd.Flags().StringP("output", "o", "", "Output file (single input only)")
	cmd.Flags().String("suffix", "_lbw", "Suffix for derived output file names")
	cmd.Flags().BoolP("force", "f", false, "Replace existing output files")
	cmd.Flags().Bool("dry-run", false, "Scale in memory and report, but do not write")
	cmd.MarkFlagsMutuallyExclusive("ratios", "preset")
	cmd.MarkFlagsMutuallyExclusive("output", "dry-run")

	return cmd
}
