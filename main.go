package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/gpu"
	"github.com/pthm-cable/flowlenia/kernel"
	"github.com/pthm-cable/flowlenia/propagator"
	"github.com/pthm-cable/flowlenia/systems"
	"github.com/pthm-cable/flowlenia/telemetry"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowlenia",
		Short: "Flow Lenia mass-conserving cellular automaton",
		Long: `flowlenia runs Flow Lenia simulations headless on the cpu or a gpu
device and writes per-step statistics as structured logs and CSV.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (empty = use defaults)")
	rootCmd.PersistentFlags().String("seed", "", "Path to seed.yaml (empty = centered noise soup)")

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newShadersCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flowlenia version %s\n", version)
		},
	}
}

// loadInputs reads the config and seed named by the global flags.
func loadInputs(cmd *cobra.Command) (*config.Config, *config.Seed, error) {
	configPath, _ := cmd.Flags().GetString("config")
	seedPath, _ := cmd.Flags().GetString("seed")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if seedPath == "" {
		return cfg, defaultSeed(cfg), nil
	}
	seed, err := config.LoadSeed(seedPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load seed: %w", err)
	}
	return cfg, seed, nil
}

// defaultSeed fills the central quarter of every channel with a noise soup.
func defaultSeed(cfg *config.Config) *config.Seed {
	w, h := cfg.Grid.Width, cfg.Grid.Height
	seed := &config.Seed{RNGSeed: 1}
	for c := 0; c < cfg.Grid.Channels; c++ {
		seed.Noise = append(seed.Noise, config.SeedNoise{
			Channel: c,
			Row:     h / 4, Col: w / 4,
			Height: h / 2, Width: w / 2,
			Scale:     float64(min(w, h)) / 16,
			Octaves:   3,
			Amplitude: 1,
			Threshold: 0.3,
		})
	}
	return seed
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config and seed without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, seed, err := loadInputs(cmd)
			if err != nil {
				return err
			}
			if err := seed.Validate(cfg); err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"valid":     true,
				"width":     cfg.Grid.Width,
				"height":    cfg.Grid.Height,
				"channels":  cfg.Grid.Channels,
				"kernels":   len(cfg.Kernels),
				"embedding": cfg.Embedding.Enabled,
				"backend":   cfg.Backend.Kind,
				"fft":       cfg.Derived.UseFFT,
			})
		},
	}
}

func newShadersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shaders",
		Short: "Print the GLSL compute shaders generated for a config",
		Long: `Print the compute shaders the gpu backend would compile, with the
config's constants baked in, for inspection or offline validation.

Examples:
  flowlenia shaders --pass flow > flow.comp && glslangValidator flow.comp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, _ := cmd.Flags().GetString("pass")
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			stencils, err := kernel.Build(cfg)
			if err != nil {
				return err
			}
			engine := systems.NewEngine(cfg, stencils)

			passes := gpu.Passes
			if pass != "" {
				passes = []string{pass}
			}
			for _, name := range passes {
				src, err := gpu.Source(cfg, engine, name)
				if err != nil {
					return err
				}
				fmt.Printf("// ---- %s ----\n%s\n", name, src)
			}
			return nil
		},
	}
	cmd.Flags().String("pass", "", "Only print one pass (affinity, flow or advect)")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Run a simulation for a fixed number of steps.

Examples:
  flowlenia run --steps 1000
  flowlenia run --config species.yaml --seed orbium.yaml --log-stats
  flowlenia run --backend gpu --output-dir runs/001`,
		RunE: runSimulation,
	}

	cmd.Flags().Int("steps", 1000, "Number of steps to run (0 = until interrupted)")
	cmd.Flags().Bool("log-stats", false, "Output stats via slog")
	cmd.Flags().String("output-dir", "", "Output directory for CSV logs and config snapshot")
	cmd.Flags().String("backend", "", "Override backend.kind (cpu or gpu)")
	cmd.Flags().Int("workers", 0, "Worker goroutines (0 = config)")
	return cmd
}

func runSimulation(cmd *cobra.Command, args []string) error {
	steps, _ := cmd.Flags().GetInt("steps")
	logStats, _ := cmd.Flags().GetBool("log-stats")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	backend, _ := cmd.Flags().GetString("backend")
	workers, _ := cmd.Flags().GetInt("workers")

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, seed, err := loadInputs(cmd)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Backend.Kind = backend
		if err := cfg.Finalize(); err != nil {
			return err
		}
	}

	output, err := telemetry.NewOutputManager(outputDir)
	if err != nil {
		return err
	}
	defer output.Close()
	if err := output.WriteConfig(cfg); err != nil {
		return err
	}

	perf := telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow)
	p, err := propagator.New(cfg, seed, propagator.Options{
		Workers: workers,
		Logger:  logger,
		Perf:    perf,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting simulation",
		"backend", p.Backend(),
		"steps", steps,
		"output_dir", output.Dir(),
	)

	every := cfg.Telemetry.StatsEvery
	for i := 0; steps == 0 || i < steps; i++ {
		if err := p.Step(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("interrupted", "step", p.Steps())
				break
			}
			return err
		}
		if every > 0 && p.Steps()%every == 0 {
			if err := report(p, perf, output, logStats); err != nil {
				return err
			}
		}
	}

	// An interrupted gpu step leaves no readable state.
	if p.Status() != propagator.Faulted {
		if err := report(p, perf, output, true); err != nil {
			return err
		}
	}
	slog.Info("simulation finished", "steps", p.Steps(), "time", p.Time())
	return nil
}

// report samples stats and perf and sends them to the enabled sinks.
func report(p *propagator.Propagator, perf *telemetry.PerfCollector, output *telemetry.OutputManager, logStats bool) error {
	stats, err := p.Stats()
	if err != nil {
		return err
	}
	ps := perf.Stats()
	if logStats {
		stats.LogStats(nil)
		ps.LogStats(nil)
	}
	if err := output.WriteStats(*stats); err != nil {
		return err
	}
	return output.WritePerf(ps, stats.Step)
}
