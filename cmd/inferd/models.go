package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inferd/internal/common/fsutil"
	"inferd/internal/registry"
)

func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model files in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			dir, err := fsutil.ExpandHome(cfg.ModelsDir)
			if err != nil {
				return err
			}
			reg := registry.New(dir, cfg.ModelExt)
			models, err := reg.List()
			if err != nil {
				return err
			}
			if len(models) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s files in %s\n", cfg.ModelExt, dir)
				return nil
			}
			// The marked row is the model a fresh daemon would launch first.
			def, _ := reg.Resolve(cfg.DefaultModel)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("File", "Size", "Default")
			for _, m := range models {
				size := "?"
				if fi, err := os.Stat(m.Path); err == nil {
					size = humanMB(fi.Size())
				}
				mark := ""
				if m.FileName == def.FileName {
					mark = "*"
				}
				table.Append(m.FileName, size, mark)
			}
			return table.Render()
		},
	}
}

func humanMB(n int64) string {
	return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
}
