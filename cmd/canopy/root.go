package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/canopy/internal/config"
	"github.com/scrypster/canopy/internal/engine"
	"github.com/scrypster/canopy/internal/storage"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	out, errOut io.Writer

	configPath string
	dataPath   string
	storage    string
	verbose    bool
	asJSON     bool

	cfg     *config.Config
	logger  *slog.Logger
	backend storage.Backend
	engine  *engine.EntityEngine
}

// run executes the command line args and releases the engine afterwards,
// whether or not the subcommand failed.
func run(args []string, out, errOut io.Writer) (err error) {
	a := &app{out: out, errOut: errOut}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()
	return root.Execute()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "canopy",
		Short: "Hierarchical multi-modal knowledge store",
		Long: `canopy stores text, image, date and task entities in parent/child trees,
keeps every subtree retrievable with one indexed scan, and ranks entities
by semantic, structural and temporal relevance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to YAML config file (default $"+config.ConfigPathEnv+")")
	flags.StringVar(&a.dataPath, "data", "", "SQLite database path (overrides config)")
	flags.StringVar(&a.storage, "storage", "", "Storage engine: sqlite, postgres or memory (overrides config)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&a.asJSON, "json", false, "Output in JSON format")

	root.AddCommand(
		a.createCmd(),
		a.getCmd(),
		a.updateCmd(),
		a.moveCmd(),
		a.deleteCmd(),
		a.subtreeCmd(),
		a.childrenCmd(),
		a.searchCmd(),
		a.statsCmd(),
		a.verifyCmd(),
		a.rebuildCmd(),
		a.backupCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataPath != "" {
		cfg.Storage.DataPath = a.dataPath
	}
	if a.storage != "" {
		cfg.Storage.Engine = a.storage
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger(a.errOut)
	slog.SetDefault(a.logger)

	backend, err := cfg.OpenStorage(cmd.Context(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	gen, err := cfg.Generator()
	if err != nil {
		_ = backend.Close()
		return err
	}
	eng, err := engine.New(backend, cfg.EngineOptions(gen, a.logger))
	if err != nil {
		_ = backend.Close()
		return err
	}
	a.backend = backend
	a.engine = eng
	return nil
}

func (a *app) close() error {
	if a.engine == nil {
		return nil
	}
	err := a.engine.Close()
	a.engine = nil
	return err
}

// emit writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.out)
	return nil
}

// parseVector reads a comma-separated list of floats. Empty yields nil.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}
