package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/admin"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/agent"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/bridge"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/config"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/experiment"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/messaging"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/providers"
)

type flags struct {
	configPath string
	ip         string
	port       int
	verbose    bool
	logFile    string

	steps    int
	agent    string
	model    string
	statsDir string
	seed     int64
	provider string
	noDrain  bool
}

func newRootCmd(f *flags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "uebridge",
		Short:         "uebridge connects an RL trainer to a running simulation and drives it as a vectorized environment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&f.ip, "ip", "", "simulation address (overrides config and UE_ENV_IP)")
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "simulation port (overrides config and UE_ENV_PORT)")
	rootCmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "log every framed message")
	rootCmd.PersistentFlags().StringVar(&f.logFile, "log-file", "", "append logs to this file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Open a session and drive it with an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollout(cmd, f)
		},
	}
	runCmd.Flags().IntVar(&f.steps, "steps", 0, "vector steps to run")
	runCmd.Flags().StringVar(&f.agent, "agent", "", "action source: zero, random or llm")
	runCmd.Flags().StringVar(&f.model, "model", "", "model used by the llm agent")
	runCmd.Flags().StringVar(&f.statsDir, "stats-dir", "", "directory for per-episode CSV stats")
	runCmd.Flags().Int64Var(&f.seed, "seed", 0, "seed for the random agent")
	runCmd.Flags().StringVar(&f.provider, "provider", "", "llm provider: openai or gemini")
	runCmd.Flags().BoolVar(&f.noDrain, "no-drain", false, "stop reading the admin connection after the handshake")

	handshakeCmd := &cobra.Command{
		Use:   "handshake",
		Short: "Connect, print the negotiated environment and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandshake(cmd, f)
		},
	}

	rootCmd.AddCommand(runCmd, handshakeCmd)
	return rootCmd
}

func main() {
	f := &flags{}
	rootCmd := newRootCmd(f)

	for _, envFile := range []string{
		".env",
		"../.env",
		"../../.env",
	} {
		if config.LoadDotEnv(envFile) != "" {
			break
		}
	}

	if err := rootCmd.Execute(); err != nil {
		if be, ok := core.IsBridgeError(err); ok && be.Fatal() {
			log.Printf("Fatal: %v", err)
		} else {
			log.Printf("Error: %v", err)
		}
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, environment variables and
// flags, in that order.
func loadConfig(cmd *cobra.Command, f *flags) (*config.BridgeConfig, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("ip") {
		cfg.Env.IP = f.ip
	}
	if changed("port") {
		cfg.Env.Port = f.port
	}
	if changed("verbose") {
		cfg.Logging.Verbose = f.verbose
	}
	if changed("log-file") {
		cfg.Logging.Path = f.logFile
	}
	if changed("steps") {
		cfg.Rollout.Steps = f.steps
	}
	if changed("agent") {
		cfg.Rollout.Agent = f.agent
	}
	if changed("model") {
		cfg.Rollout.Model = f.model
	}
	if changed("stats-dir") {
		cfg.Rollout.StatsDir = f.statsDir
	}
	if changed("seed") {
		cfg.Rollout.Seed = f.seed
	}
	if changed("provider") {
		cfg.Provider.Name = f.provider
		cfg.Provider.APIKey = ""
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}
	if changed("no-drain") {
		cfg.Env.DrainAdmin = !f.noDrain
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Logging.Path != "" {
		lf, err := os.OpenFile(cfg.Logging.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(lf)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		select {
		case <-sigChan:
			log.Println("Interrupted, closing session")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runHandshake(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	adminDelim, _ := cfg.Env.Delimiters()
	ch := admin.New(
		transport.NewDialer(cfg.Env.Endpoint()),
		admin.WithDelimiter(adminDelim),
		admin.WithFramerOptions(framing.WithVerbose(cfg.Logging.Verbose)),
	)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	info, err := ch.WaitForHandshake(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", info)
	return nil
}

func runRollout(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	broker := messaging.NewBroker()
	defer broker.Reset()
	control := make(chan messaging.ControlMessage, 100)
	if err := broker.Subscribe("cli", control); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case msg := <-control:
				log.Printf("Control message from %s: %s", msg.Source, msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()

	s, err := bridge.Open(ctx, cfg.Env,
		bridge.WithBroker(broker),
		bridge.WithVerbose(cfg.Logging.Verbose),
	)
	if err != nil {
		return err
	}
	defer s.Close()
	log.Printf("Session %s ready: %s", s.ID, s.Info)

	a, err := buildAgent(ctx, cfg, s.Info.ActDim)
	if err != nil {
		return err
	}

	var opts []experiment.Option
	if cfg.Rollout.StatsDir != "" {
		opts = append(opts, experiment.WithStatsDir(cfg.Rollout.StatsDir))
	}
	r, err := experiment.NewRollout(s.Env, a, s.Info.ActDim, cfg.Rollout.Steps, opts...)
	if err != nil {
		return err
	}
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("rollout failed: %w", err)
	}
	if path := r.StatsPath(); path != "" {
		log.Printf("Episode stats written to %s", path)
	}
	return nil
}

func buildAgent(ctx context.Context, cfg *config.BridgeConfig, actDim int) (agent.Agent, error) {
	if cfg.Rollout.Agent != "llm" {
		return agent.New(cfg.Rollout.Agent, actDim, cfg.Rollout.Seed)
	}

	var opts []providers.ProviderOption
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, providers.WithBaseURL(cfg.Provider.BaseURL))
	}
	if cfg.Provider.APIKey != "" {
		opts = append(opts, providers.WithAPIKey(cfg.Provider.APIKey))
	}
	client, err := providers.New(ctx, cfg.Provider.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %v", err)
	}

	model := cfg.Rollout.Model
	if model == "" && cfg.Provider.Name == "gemini" {
		model = "gemini-2.0-flash-exp"
	}
	a := agent.NewLLMAgent(client, actDim, agent.WithModel(model))
	log.Printf("Created %s", a.ID())
	return a, nil
}
