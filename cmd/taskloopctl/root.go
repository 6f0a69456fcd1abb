package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/internal/application/planner"
	"github.com/aescanero/taskloop/internal/application/rules"
	"github.com/aescanero/taskloop/internal/application/workers"
	"github.com/aescanero/taskloop/internal/application/workflow"
	eventsmemory "github.com/aescanero/taskloop/pkg/adapters/events/memory"
	"github.com/aescanero/taskloop/pkg/adapters/storage/sqlite"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const rootLong = `taskloopctl runs workflow loops against a local SQLite state store.

A run decomposes a user query into dependent subtasks, executes them one
group per iteration, reflects on completed work to learn rules and stops
when every subtask completed, one failed or the iteration cap is reached.`

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TASKLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "taskloopctl",
		Short:         "Taskloop CLI",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("db", "data/taskloop.db", "sqlite database path")
	flags.Bool("json", false, "output JSON")
	flags.String("templates", "", "planner templates file (YAML)")
	flags.String("batch-mode", "single", "subtask batch mode: single or frontier")
	flags.Int("max-parallel", 4, "parallel subtasks in frontier mode")
	flags.Bool("verbose", false, "log orchestration steps")
	for _, name := range []string{"db", "json", "templates", "batch-mode", "max-parallel", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(runCmd(v))
	root.AddCommand(agentsCmd(v))
	root.AddCommand(rulesCmd(v))
	return root
}

// withDriver opens the sqlite store, builds a driver around it and closes
// the store once fn returns
func withDriver(ctx context.Context, v *viper.Viper, fn func(context.Context, *workflow.Driver) error) error {
	logger := zap.NewNop()
	if v.GetBool("verbose") {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = dev
	}

	store, err := sqlite.Open(v.GetString("db"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var taskPlanner ports.Planner = planner.NewDefaultPlanner()
	if path := v.GetString("templates"); path != "" {
		loaded, err := planner.LoadTemplates(path)
		if err != nil {
			return err
		}
		taskPlanner = loaded
	}

	d, err := workflow.NewDriver(&workflow.Config{
		Orchestrator: &orchestrator.Config{
			Store:         store,
			EventBus:      eventsmemory.NewEventBus(),
			Planner:       taskPlanner,
			Worker:        workers.NewAckWorker(),
			RuleProposer:  rules.NewOutcomeReviewProposer(rules.DefaultKeyword),
			RuleValidator: rules.NewKeywordValidator(),
			Logger:        logger,
			BatchMode:     orchestrator.BatchMode(v.GetString("batch-mode")),
			MaxParallel:   v.GetInt("max-parallel"),
		},
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(r[:n]))
}
