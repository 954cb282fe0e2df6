package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/phasegate/internal/config"
	"github.com/mpataki/phasegate/internal/decision"
	"github.com/mpataki/phasegate/internal/flowtype"
	"github.com/mpataki/phasegate/internal/logger"
	phaseLua "github.com/mpataki/phasegate/internal/lua"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/orchestrator"
	"github.com/mpataki/phasegate/internal/state"
	"github.com/mpataki/phasegate/internal/storage"
	"github.com/mpataki/phasegate/internal/tui"
	"github.com/mpataki/phasegate/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "phasegate",
		Short: "Phase-transition decisions for migration flows",
		Long: "phasegate decides what a discovery, collection or assessment flow does after each phase:\n" +
			"proceed, pause for an operator, skip ahead, retry or fail.",
		PersistentPreRunE: initLogging,
		RunE:              runTUI,
		SilenceUsage:      true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: .phasegate/phasegate.yaml or <data-dir>/phasegate.yaml)")
	flags.String("data-dir", "", "Data directory (default: ~/.phasegate)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "console", "Log format: console or json")
	for key, flag := range map[string]string{
		"config":     "config",
		"data_dir":   "data-dir",
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newBatchCommand())
	rootCmd.AddCommand(newPhasesCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())

	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return logger.Init(cfg.LogLevel, cfg.LogFormat)
}

// env is everything a command needs to talk to the journal.
type env struct {
	cfg   *config.Config
	store *storage.Storage
	orch  *orchestrator.Orchestrator
}

func openEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	orch := orchestrator.New(store, engine, cfg.WorkspacesDir(),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMaxSteps(cfg.MaxSteps),
		orchestrator.WithBatchLimit(cfg.BatchLimit),
	)
	return &env{cfg: cfg, store: store, orch: orch}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

func newEngine(cfg *config.Config) (*decision.Engine, error) {
	registry, err := flowtype.Load(cfg.FlowDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to load flow definitions: %w", err)
	}
	return decision.New(registry,
		decision.WithTuning(cfg.Tuning),
		decision.WithLogger(logger.Named("decision")),
	), nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	// The TUI owns the terminal.
	logger.Set(zap.NewNop())

	app := tui.NewApp(e.orch, e.orch.Engine().Registry())
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <flow-type> <phase>",
		Short: "Print the decision for one phase result",
		Long:  "Evaluates a single phase result against a flow state and prints the decision as JSON.\nNothing is recorded.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			statePath, _ := cmd.Flags().GetString("state")
			resultPath, _ := cmd.Flags().GetString("result")

			cfg, err := config.New()
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}

			st, err := readDocument(statePath)
			if err != nil {
				return err
			}
			result, err := readDocument(resultPath)
			if err != nil {
				return err
			}

			d := engine.Decide(models.FlowType(args[0]), models.Phase(args[1]), models.PhaseResult(result), state.FromMap(st))
			return printJSON(d)
		},
	}

	cmd.Flags().StringP("state", "s", "", "Flow state file (YAML or JSON)")
	cmd.Flags().StringP("result", "r", "", "Phase result file (YAML or JSON)")
	return cmd
}

func newBatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <requests-file>",
		Short: "Decide a list of phase results concurrently",
		Long:  "Reads a YAML or JSON list of {flow_type, phase, result, state} requests and prints the decisions in order.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read requests: %w", err)
			}

			var reqs []orchestrator.EvalRequest
			if err := yaml.Unmarshal(data, &reqs); err != nil {
				return fmt.Errorf("failed to parse requests: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			decisions, err := e.orch.EvaluateBatch(cmd.Context(), reqs)
			if err != nil {
				return err
			}
			return printJSON(decisions)
		},
	}
}

func newPhasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "phases [flow-type]",
		Short: "Show the phase graph of each flow type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			registry, err := flowtype.Load(cfg.FlowDirs())
			if err != nil {
				return err
			}

			flowTypes := registry.FlowTypes()
			if len(args) == 1 {
				ft := models.FlowType(args[0])
				if _, ok := registry.First(ft); !ok {
					return fmt.Errorf("unknown flow type %q", ft)
				}
				flowTypes = []models.FlowType{ft}
			}

			for _, ft := range flowTypes {
				fmt.Printf("%s\n", ft)
				for i, p := range registry.Phases(ft) {
					fmt.Printf("  %d. %s\n", i+1, p)
				}
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <flow-type> <script>",
		Short: "Start a new flow",
		Long:  "Starts a flow whose phases are implemented by a Lua script and runs it until it pauses, fails or completes.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ft := models.FlowType(args[0])
			noExec, _ := cmd.Flags().GetBool("no-exec")
			statePath, _ := cmd.Flags().GetString("state")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			scriptPath := findScript(args[1], e.cfg)
			if scriptPath == "" {
				return fmt.Errorf("script %q not found", args[1])
			}
			if !phaseLua.IsLuaScript(scriptPath) {
				return fmt.Errorf("not a Lua script: %s", scriptPath)
			}

			rt, err := phaseLua.NewRuntime(scriptPath, logger.Named("lua"))
			if err != nil {
				return err
			}

			phases := e.orch.Engine().Registry().Phases(ft)
			implemented, err := rt.Phases(phases)
			if err != nil {
				return err
			}
			if missing := missingPhases(phases, implemented); len(missing) > 0 {
				logger.Warn("script does not implement every phase",
					zap.String("script", scriptPath),
					zap.Strings("missing", missing),
				)
			}

			initial, err := readDocument(statePath)
			if err != nil {
				return err
			}

			flow, err := e.orch.StartFlow(ft, scriptPath, initial)
			if err != nil {
				return fmt.Errorf("failed to start flow: %w", err)
			}

			fmt.Printf("Created flow #%d (%s)\n", flow.ID, ft)
			fmt.Printf("Workspace: %s\n", flow.WorkspacePath)
			fmt.Printf("Script: %s\n", scriptPath)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			err = e.orch.Execute(ctx, flow, rt)
			reportFlow(e, flow.ID)
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().Bool("no-exec", false, "Create the flow but don't execute it")
	cmd.Flags().StringP("state", "s", "", "Initial flow state file (YAML or JSON)")
	return cmd
}

// findScript resolves name as a path, then in the flow directories with the
// project directory taking precedence.
func findScript(name string, cfg *config.Config) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}

	dirs := cfg.FlowDirs()
	for i := len(dirs) - 1; i >= 0; i-- {
		candidates := []string{filepath.Join(dirs[i], name)}
		if !strings.HasSuffix(name, ".lua") {
			candidates = append(candidates, filepath.Join(dirs[i], name+".lua"))
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}

func missingPhases(all, implemented []models.Phase) []string {
	have := make(map[models.Phase]bool, len(implemented))
	for _, p := range implemented {
		have[p] = true
	}
	var missing []string
	for _, p := range all {
		if !have[p] {
			missing = append(missing, string(p))
		}
	}
	return missing
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <flow-id>",
		Short: "Resume a paused flow",
		Long:  "Merges input/<phase>.json from the flow workspace into the flow state and reruns the paused phase.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID, err := parseFlowID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			flow, err := e.orch.GetFlow(flowID)
			if err != nil {
				return fmt.Errorf("failed to get flow: %w", err)
			}

			rt, err := phaseLua.NewRuntime(flow.ScriptPath, logger.Named("lua"))
			if err != nil {
				return err
			}

			fmt.Printf("Resuming flow #%d at %s\n", flowID, flow.CurrentPhase)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			_, err = e.orch.Resume(ctx, flowID, rt)
			reportFlow(e, flowID)
			if err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}
			return nil
		},
	}
}

// reportFlow prints where a flow ended up after execution.
func reportFlow(e *env, flowID int64) {
	flow, err := e.orch.GetFlow(flowID)
	if err != nil {
		return
	}
	fmt.Printf("Flow #%d is %s at %s\n", flow.ID, flow.Status, flow.CurrentPhase)
	if flow.Error != "" {
		fmt.Printf("Error: %s\n", flow.Error)
	}
	if flow.Status == models.FlowStatusPaused {
		printPauseHint(e, flow)
	}
}

func printPauseHint(e *env, flow *models.Flow) {
	last, err := e.store.LatestDecision(flow.ID)
	if err != nil || last == nil {
		return
	}
	fmt.Printf("Waiting on: %s\n", last.Decision.Reasoning)
	if action, ok := last.Decision.Metadata["user_action"]; ok {
		fmt.Printf("Requested action: %v\n", action)
	}
	if ws, err := workspace.Open(e.cfg.WorkspacesDir(), flow.ID); err == nil {
		fmt.Printf("Write corrections to %s and run 'phasegate resume %d'\n", ws.InputPath(flow.CurrentPhase), flow.ID)
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <flow-id>",
		Short: "Show flow status and its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID, err := parseFlowID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			flow, err := e.store.GetFlow(flowID)
			if err != nil {
				return fmt.Errorf("failed to get flow: %w", err)
			}

			fmt.Printf("Flow #%d: %s\n", flow.ID, flow.FlowType)
			fmt.Printf("Status: %s\n", flow.Status)
			fmt.Printf("Phase: %s\n", flow.CurrentPhase)
			fmt.Printf("Started: %s\n", storage.FormatTimeAgo(flow.CreatedAt))
			fmt.Printf("Script: %s\n", flow.ScriptPath)
			fmt.Printf("Workspace: %s\n", flow.WorkspacePath)
			if flow.Error != "" {
				fmt.Printf("Error: %s\n", flow.Error)
			}

			recs, err := e.store.GetDecisionsForFlow(flowID)
			if err != nil {
				return err
			}

			if len(recs) > 0 {
				fmt.Println("\nDecisions:")
				for _, rec := range recs {
					d := rec.Decision
					fmt.Printf("  %d. %s %s -> %s (%.2f) %s\n",
						rec.SequenceNum, rec.Phase, d.Action, d.NextPhase, d.Confidence,
						truncate(d.Reasoning, 60))
				}
			}

			if flow.Status == models.FlowStatusPaused {
				fmt.Println()
				printPauseHint(e, flow)
			}

			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			flows, err := e.orch.ListFlows(20)
			if err != nil {
				return err
			}

			if len(flows) == 0 {
				fmt.Println("No flows found.")
				return nil
			}

			for _, flow := range flows {
				fmt.Printf("#%d %s [%s] %s %s\n",
					flow.ID, flow.FlowType, flow.Status, flow.CurrentPhase,
					storage.FormatTimeAgo(flow.CreatedAt))
			}

			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <flow-id>",
		Short: "Cancel an unfinished flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID, err := parseFlowID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.CancelFlow(flowID); err != nil {
				return fmt.Errorf("failed to cancel flow: %w", err)
			}

			fmt.Printf("Cancelled flow #%d\n", flowID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a flow, its decisions and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID, err := parseFlowID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DeleteFlow(flowID); err != nil {
				return fmt.Errorf("failed to delete flow: %w", err)
			}

			fmt.Printf("Deleted flow #%d\n", flowID)
			return nil
		},
	}
}

func parseFlowID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid flow ID: %w", err)
	}
	return id, nil
}

// readDocument loads a YAML or JSON object. An empty path is an empty
// document.
func readDocument(path string) (map[string]any, error) {
	doc := map[string]any{}
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
