package main

import (
	"context"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inferd/internal/backend"
	"inferd/internal/common/fsutil"
	"inferd/internal/logging"
)

func newBackendCmd(v *viper.Viper) *cobra.Command {
	var prefer string
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Detect the compute backend and check installed server executables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if prefer == "" {
				prefer = cfg.Backend
			}
			if _, ok := backend.ParseKind(prefer); !ok {
				return fmt.Errorf("unknown backend %q", prefer)
			}
			binDir, err := fsutil.ExpandHome(cfg.BinDir)
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			sel := backend.NewSelector(binDir, logging.Component(log, "backend"))

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			kind := sel.Detect(ctx, prefer)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Selected backend: %s\n", kind)
			fmt.Fprintf(out, "Executable: %s\n\n", backend.ExecutablePath(binDir, kind))

			table := tablewriter.NewWriter(out)
			table.Header("Backend", "Executable", "Installed")
			for _, e := range sel.Sanity() {
				found := "no"
				if e.Found {
					found = "yes"
				}
				table.Append(string(e.Backend), e.Path, found)
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&prefer, "prefer", "", "Override the configured preference: auto|cpu|cuda|gpu|vulkan")
	return cmd
}
