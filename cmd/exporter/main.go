package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fortigate-policy-export/internal/config"
	"fortigate-policy-export/internal/export"
	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/pipeline"
	"fortigate-policy-export/internal/provider"
)

var (
	configFile    string
	policySource  string
	apiURL        string
	apiVdom       string
	apiInsecure   bool
	apiTimeout    time.Duration
	rulesDB       string
	fabName       string
	rulesFile     string
	addressesFile string
	servicesFile  string
	svcGroupsFile string
	outFile       string
	printTable    bool
	logLevel      string
	logFile       string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fortigate-policy-export",
		Short: "Export firewall policies with resolved names and ports",
		Long: `fortigate-policy-export fetches firewall policies, filters them by
	configurable field rules, resolves address and service identifiers into
	readable names and port lists, and writes the result as CSV or a console
	table.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Pipeline configuration YAML file")
	rootCmd.Flags().StringVar(&policySource, "provider", "file", "Policy source: 'fortigate' (REST API), 'mariadb' or 'file'")
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "FortiGate base URL (for 'fortigate' provider); token from FGT_API_TOKEN")
	rootCmd.Flags().StringVar(&apiVdom, "vdom", "", "VDOM to query (for 'fortigate' provider)")
	rootCmd.Flags().BoolVar(&apiInsecure, "insecure", false, "Skip TLS verification (for 'fortigate' provider)")
	rootCmd.Flags().DurationVar(&apiTimeout, "api-timeout", 30*time.Second, "HTTP timeout per API request")
	rootCmd.Flags().StringVar(&rulesDB, "db", "", "Database connection string (for 'mariadb' provider)")
	rootCmd.Flags().StringVar(&fabName, "fab", "", "Fab name to filter DB queries (adds WHERE fab_name = '...')")
	rootCmd.Flags().StringVar(&rulesFile, "rules", "", "Firewall configuration file (for 'file' provider)")
	rootCmd.Flags().StringVar(&addressesFile, "addresses", "", "Address objects CSV file")
	rootCmd.Flags().StringVar(&servicesFile, "services", "", "Service objects CSV file")
	rootCmd.Flags().StringVar(&svcGroupsFile, "service-groups", "", "Service groups CSV file")
	rootCmd.Flags().StringVar(&outFile, "out", "", "Output CSV file")
	rootCmd.Flags().BoolVar(&printTable, "print", false, "Print the result as a table on stdout")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel, logFile)
	slog.SetDefault(logger)

	slog.Info("Starting policy export", "provider", policySource)
	startTime := time.Now()

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configFile, "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Resolve.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Resolve.RunTimeout))
		defer cancel()
	}

	inv := inventory.NewIndex()
	if err := loadInventoryFiles(inv); err != nil {
		slog.Error("Failed to load inventory", "error", err)
		return err
	}

	records, err := loadPolicies(ctx, inv)
	if err != nil {
		slog.Error("Failed to load policies", "error", err)
		return err
	}
	slog.Info("Successfully loaded policies", "count", len(records))

	pipe, err := pipeline.New(cfg, inv)
	if err != nil {
		slog.Error("Failed to build pipeline", "error", err)
		return err
	}
	resolved := pipe.Run(ctx, records)

	renderer := export.NewRenderer(cfg.Output.Columns, cfg.Resolve.Addresses.Display)
	if err := writeOutputs(renderer, resolved); err != nil {
		slog.Error("Failed to write output", "error", err)
		return err
	}

	slog.Info("Export finished", "records", len(resolved), "duration", time.Since(startTime).String())
	return nil
}

// loadInventoryFiles fills the index from whichever CSV exports were given.
func loadInventoryFiles(inv *inventory.Index) error {
	load := func(path, kind string, fn func(io.Reader) error) error {
		if path == "" {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s file: %w", kind, err)
		}
		defer f.Close()
		if err := fn(f); err != nil {
			return fmt.Errorf("loading %s file %s: %w", kind, path, err)
		}
		return nil
	}

	if err := load(addressesFile, "addresses", inv.LoadAddresses); err != nil {
		return err
	}
	if err := load(servicesFile, "services", inv.LoadServices); err != nil {
		return err
	}
	return load(svcGroupsFile, "service groups", inv.LoadServiceGroups)
}

func loadPolicies(ctx context.Context, inv *inventory.Index) ([]model.PolicyRecord, error) {
	switch policySource {
	case "fortigate":
		if apiURL == "" {
			return nil, fmt.Errorf("--api-url must be provided for the fortigate provider")
		}
		token := os.Getenv("FGT_API_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("FGT_API_TOKEN must be set for the fortigate provider")
		}
		client := provider.NewAPIClient(apiURL, token, apiVdom, apiInsecure, apiTimeout)
		return client.Policies(ctx)
	case "mariadb":
		if rulesDB == "" {
			return nil, fmt.Errorf("--db must be provided for the mariadb provider")
		}
		src, err := provider.NewDBSource(rulesDB, fabName)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		if err := src.LoadInventory(ctx, inv); err != nil {
			return nil, err
		}
		return src.Policies(ctx)
	case "file":
		if rulesFile == "" {
			return nil, fmt.Errorf("--rules must be provided for the file provider")
		}
		f, err := os.Open(rulesFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src := provider.NewConfigSource(f, inv)
		if err := src.Parse(); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return src.Policies(), nil
	default:
		return nil, fmt.Errorf("unknown policy provider: %s", policySource)
	}
}

func writeOutputs(renderer *export.Renderer, records []model.ResolvedRecord) error {
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if err := export.WriteCSV(f, renderer, records); err != nil {
			return err
		}
		slog.Info("Wrote CSV output", "path", outFile)
	}
	if printTable || outFile == "" {
		return export.WriteTable(os.Stdout, renderer, records)
	}
	return nil
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// We don't log an error here because the logger isn't set up yet.
		// It will just fall back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
