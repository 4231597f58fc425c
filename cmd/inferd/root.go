package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"inferd/internal/config"
)

// Flag names double as viper keys; INFERD_<NAME> (dashes as underscores) overrides them.
const (
	flagConfig       = "config"
	flagAddr         = "addr"
	flagModelsDir    = "models-dir"
	flagModelExt     = "model-ext"
	flagDefaultModel = "default-model"
	flagBinDir       = "bin-dir"
	flagBackend      = "backend"
	flagServerPort   = "server-port"
	flagCtxSize      = "ctx-size"
	flagGPULayers    = "gpu-layers"
	flagLogLevel     = "log-level"
	flagLogFormat    = "log-format"
	flagDebugLog     = "debug-log"
	flagCORS         = "cors"
	flagCORSOrigins  = "cors-origins"
)

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local inference orchestrator for llama.cpp servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	addConfigFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd(v), newModelsCmd(v), newBackendCmd(v), newStatusCmd(v))
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func addConfigFlags(pf *pflag.FlagSet) {
	def := config.Default()
	pf.String(flagConfig, "", "Config file (.yaml, .yml, .toml or .json)")
	pf.String(flagAddr, def.Addr, "HTTP listen address")
	pf.String(flagModelsDir, def.ModelsDir, "Directory scanned for model files")
	pf.String(flagModelExt, def.ModelExt, "Model file extension")
	pf.String(flagDefaultModel, "", "Model file selected at first use")
	pf.String(flagBinDir, def.BinDir, "Directory holding <backend>/llama-server executables")
	pf.String(flagBackend, def.Backend, "Backend preference: auto|cpu|cuda|vulkan")
	pf.Int(flagServerPort, def.ServerPort, "Port of the supervised inference server")
	pf.Int(flagCtxSize, def.CtxSize, "Context size passed to the server")
	pf.Int(flagGPULayers, 0, "Layers offloaded to the GPU (0 lets the server decide)")
	pf.String(flagLogLevel, def.LogLevel, "Log level: trace|debug|info|warn|error|off")
	pf.String(flagLogFormat, def.LogFormat, "Log format: console|json")
	pf.String(flagDebugLog, "", "Append prompts, raw responses and server output to this file")
	pf.Bool(flagCORS, false, "Enable CORS")
	pf.String(flagCORSOrigins, "", "Comma-separated allowed CORS origins")
}

// loadConfig layers flags and INFERD_* env over the config file over defaults.
func loadConfig(v *viper.Viper) (config.Config, error) {
	var cfg config.Config
	if path := v.GetString(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	overlayString(v, flagAddr, &cfg.Addr)
	overlayString(v, flagModelsDir, &cfg.ModelsDir)
	overlayString(v, flagModelExt, &cfg.ModelExt)
	overlayString(v, flagDefaultModel, &cfg.DefaultModel)
	overlayString(v, flagBinDir, &cfg.BinDir)
	overlayString(v, flagBackend, &cfg.Backend)
	overlayInt(v, flagServerPort, &cfg.ServerPort)
	overlayInt(v, flagCtxSize, &cfg.CtxSize)
	overlayInt(v, flagGPULayers, &cfg.GPULayers)
	overlayString(v, flagLogLevel, &cfg.LogLevel)
	overlayString(v, flagLogFormat, &cfg.LogFormat)
	overlayString(v, flagDebugLog, &cfg.DebugLogPath)
	if v.IsSet(flagCORS) {
		cfg.CORSEnabled = v.GetBool(flagCORS)
	}
	if v.IsSet(flagCORSOrigins) {
		cfg.CORSOrigins = splitCSV(v.GetString(flagCORSOrigins))
	}
	cfg = config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overlayString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func overlayInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

// splitCSV splits a comma-separated list, trimming spaces and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
