// Package cmd implements the kelpie CLI: synthetic benchmarks for the
// attention and MoE data planes, and an environment dump.
package cmd

import (
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kelpie-ml/kelpie/envconfig"
	"github.com/kelpie-ml/kelpie/logutil"
	"github.com/kelpie-ml/kelpie/version"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "kelpie",
		Short:   "Paged-attention and MoE data-plane benchmarks",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	rootCmd.AddCommand(
		attentionCmd(),
		moeCmd(),
		envCmd(),
	)

	return rootCmd
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show kelpie environment variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()

			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var data [][]string
			for _, k := range keys {
				v := vars[k]
				data = append(data, []string{v.Name, envconfig.Var(v.Name), v.Description})
			}

			table := newTable([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.AppendBulk(data)
			table.Render()

			return nil
		},
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	return table
}
