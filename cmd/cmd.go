// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, loadPresets
package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/envconfig"
	"github.com/lorablock/lbw/logutil"
	"github.com/lorablock/lbw/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// versionHandler - Gibt die Version aus
func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "lbw version is %s\n", version.Version)
}

// loadPresets - Eingebaute Presets, ergaenzt um die Datei aus LBW_PRESETS
func loadPresets() (block.Presets, error) {
	presets := block.DefaultPresets()

	path := envconfig.Presets()
	if path == "" {
		return presets, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	user, err := block.ParsePresets(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("loaded presets", "path", path, "count", len(user))
	return presets.Merge(user), nil
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "lbw",
		Short:         "Rescale LoRA weights per UNet block",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	applyCmd := newApplyCmd()
	inspectCmd := newInspectCmd()
	blocksCmd := newBlocksCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{applyCmd, inspectCmd, blocksCmd} {
		switch cmd {
		case applyCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["LBW_DEBUG"],
				envVars["LBW_PRESETS"],
				envVars["LBW_JOBS"],
				envVars["LBW_SUFFIX"],
				envVars["LBW_OVERWRITE"],
				envVars["LBW_NOPROGRESS"],
			})
		case blocksCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["LBW_PRESETS"]})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["LBW_DEBUG"]})
		}
	}

	rootCmd.AddCommand(
		applyCmd,
		inspectCmd,
		blocksCmd,
	)

	return rootCmd
}
