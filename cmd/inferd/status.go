package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inferd/pkg/types"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			st, err := fetchStatus(ctx, baseURL(cfg.Addr))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			table := tablewriter.NewWriter(out)
			table.Header("Field", "Value")
			table.Append("state", st.State)
			table.Append("model", orDash(st.Model))
			table.Append("selected", orDash(st.SelectedModel))
			table.Append("backend", orDash(st.Backend))
			table.Append("pid / port", fmt.Sprintf("%d / %d", st.PID, st.Port))
			table.Append("busy", fmt.Sprintf("%t (%s)", st.Busy, orDash(st.ActiveJob)))
			table.Append("queued jobs", fmt.Sprintf("%d", st.QueuedJobs))
			table.Append("pending model", orDash(st.PendingModel))
			table.Append("ram", fmt.Sprintf("%.0f MiB", st.Resources.RAMMB))
			table.Append("vram", fmt.Sprintf("%.0f MiB", st.Resources.VRAMMB))
			table.Append("cpu / gpu", fmt.Sprintf("%.1f%% / %.1f%%", st.Resources.CPUPercent, st.Resources.GPUPercent))
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON status")
	return cmd
}

// baseURL turns a listen address into a client URL; an empty host means loopback.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, base string) (types.StatusResponse, error) {
	var st types.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("daemon unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var er types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			return st, fmt.Errorf("status: %s", er.Error)
		}
		return st, fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
