package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/1800agents/dsbridge/backend"
	"github.com/1800agents/dsbridge/internal/app"
	"github.com/1800agents/dsbridge/internal/config"
	"github.com/1800agents/dsbridge/internal/health"
	"github.com/1800agents/dsbridge/internal/logging"
	"github.com/1800agents/dsbridge/internal/registry"
)

type configFlags struct {
	backendURL  string
	datasources string
	logFile     string
	rawLog      bool
}

func (c *cli) newRootCmd() *cobra.Command {
	flags := &configFlags{}

	root := &cobra.Command{
		Use:   "dsbridge-mcp",
		Short: "MCP stdio server exposing backend data sources as tools",
		Long: "dsbridge-mcp serves the Model Context Protocol over stdin/stdout and forwards " +
			"data source tool calls to an HTTP backend (FASTAPI_URL).",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd, flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.backendURL, "backend-url", "", "Backend base URL (overrides FASTAPI_URL)")
	root.PersistentFlags().StringVar(&flags.datasources, "datasources", "", "Data source definition file (overrides DSBRIDGE_DATASOURCES)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Log file path (overrides DSBRIDGE_LOG_PATH)")
	root.Flags().BoolVar(&flags.rawLog, "raw-log", false, "Mirror JSON-RPC frames to stderr")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd, flags)
		},
	}
	serve.Flags().BoolVar(&flags.rawLog, "raw-log", false, "Mirror JSON-RPC frames to stderr")

	root.AddCommand(serve, c.newProbeCmd(flags), c.newToolsCmd(flags), c.newVersionCmd())
	return root
}

func (c *cli) loadConfig(flags *configFlags) (config.Config, error) {
	executable, _ := os.Executable()
	cfg, err := config.Load(executable)
	if err != nil {
		return config.Config{}, err
	}

	if flags.backendURL != "" {
		cfg.BackendURL = flags.backendURL
	}
	if flags.datasources != "" {
		cfg.DataSourcesPath = flags.datasources
	}
	if flags.logFile != "" {
		cfg.LogPath = flags.logFile
	}
	if flags.rawLog {
		cfg.RawLog = true
	}
	if err := cfg.Resolve(executable); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (c *cli) serve(cmd *cobra.Command, flags *configFlags) error {
	executable, _ := os.Executable()
	cfg, err := c.loadConfig(flags)
	if err != nil {
		logPath := flags.logFile
		if logPath == "" {
			logPath = config.FallbackLogPath(executable)
		}
		c.logger = logging.NewWithWriter(c.stderr, logPath)
		defer c.logger.Close()
		app.ReportFatal(c.logger, app.StageLoadConfig, err)
		return &exitError{code: 1}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.logger = logging.NewWithWriter(c.stderr, cfg.LogPath)
	defer c.logger.Close()

	err = app.Run(ctx, app.Options{
		Config:     cfg,
		Version:    version,
		Executable: executable,
		Logger:     c.logger,
	})
	if code := app.ExitCode(err); code != 0 {
		// Already logged with its trace.
		return &exitError{code: code}
	}
	return nil
}

func (c *cli) newProbeCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check backend health once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(flags)
			if err != nil {
				return exitf(1, "FATAL: %v", err)
			}
			if err := cfg.ValidateBackendURL(); err != nil {
				return exitf(1, "FATAL: %v", err)
			}
			client, err := backend.NewClient(cfg.BackendURL, backend.WithRequestTimeout(cfg.ProbeTimeout))
			if err != nil {
				return exitf(1, "FATAL: %v", err)
			}

			logger := logging.NewWithWriter(c.stderr, "")
			res := health.NewProber(client, cfg.ProbeTimeout, logger).Probe(cmd.Context())

			out := map[string]any{
				"backend_url": client.BaseURL(),
				"state":       res.State(),
				"reachable":   res.Reachable,
				"status_code": res.StatusCode,
				"detail":      res.Detail,
				"latency_ms":  res.Latency.Milliseconds(),
			}
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !res.Reachable {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func (c *cli) newToolsCmd(flags *configFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Validate the data source file and list the tools it registers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(flags)
			if err != nil {
				return exitf(1, "FATAL: %v", err)
			}

			logger := logging.NewWithWriter(c.stderr, "")
			set, err := registry.NewRegistrar(cfg.DataSourcesPath, logger).RegisterPreconfigured()
			if err != nil {
				return exitf(1, "FATAL: %v", err)
			}

			if asJSON {
				type entry struct {
					Name        string         `json:"name"`
					Description string         `json:"description"`
					Builtin     bool           `json:"builtin"`
					InputSchema map[string]any `json:"input_schema"`
				}
				entries := make([]entry, 0, set.Len())
				for _, capability := range set.All() {
					entries = append(entries, entry{
						Name:        capability.Name,
						Description: capability.Description,
						Builtin:     capability.Builtin,
						InputSchema: capability.InputSchema,
					})
				}
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tENDPOINT")
			for _, capability := range set.All() {
				kind, endpoint := "builtin", "-"
				if !capability.Builtin {
					kind = capability.DataSource.Kind
					if kind == "" {
						kind = "-"
					}
					endpoint = capability.DataSource.Method + " " + capability.DataSource.Path
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", capability.Name, kind, endpoint)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tool definitions as JSON")
	return cmd
}

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(c.stdout, "dsbridge-mcp %s\n", version)
		},
	}
}
