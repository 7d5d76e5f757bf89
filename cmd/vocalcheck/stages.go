package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vocalcheck/internal/config"
)

func newStagesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Print the configured recording protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tCLIPS\tFILES\tTITLE")
			for _, st := range cfg.Stages {
				kind := st.Kind
				if kind == "" {
					kind = "recording"
				}
				clips, files := "-", "-"
				if st.Records() {
					clips = fmt.Sprint(st.Required)
					names := make([]string, st.Required)
					for i := range names {
						names[i] = st.FileName(i + 1)
						if l := st.Label(i + 1); l != "" {
							names[i] += " (" + l + ")"
						}
					}
					files = strings.Join(names, ", ")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.ID, kind, clips, files, st.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}
