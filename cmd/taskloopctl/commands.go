package main

import (
	"context"
	"fmt"

	"github.com/aescanero/taskloop/internal/application/workflow"
	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func runCmd(v *viper.Viper) *cobra.Command {
	var req domain.RunRequest
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run a workflow loop to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.UserQuery = args[0]
			if req.GoalDescription == "" {
				req.GoalDescription = args[0]
			}
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				res := d.RunMainTaskLoop(ctx, req)
				out := cmd.OutOrStdout()
				if v.GetBool("json") {
					return printJSON(out, res)
				}

				fmt.Fprintf(out, "main task %s: %s after %d iteration(s)\n", res.MainTaskID, res.Status, res.Iterations)
				if res.Reason != "" {
					fmt.Fprintf(out, "reason: %s\n", res.Reason)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Agent", "Depends On"})
				for _, st := range res.SubTasks {
					deps := ""
					if len(st.Dependencies) > 0 {
						deps = fmt.Sprint(len(st.Dependencies))
					}
					tw.AppendRow(table.Row{st.ID, st.Name, st.Status, optional(st.AssignedAgentID), deps})
				}
				tw.Render()
				fmt.Fprintf(out, "learned rules: %d\n", res.LearnedRulesCount)

				if res.Status != domain.TaskStatusCompleted {
					return fmt.Errorf("workflow %s", res.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ManagerID, "manager", "", "manager agent id")
	cmd.Flags().StringVar(&req.GoalDescription, "goal", "", "goal description (defaults to the query)")
	cmd.Flags().IntVar(&req.GoalPriority, "priority", 1, "goal priority")
	cmd.Flags().StringSliceVar(&req.DesignatedAgentIDs, "agent", nil, "designated worker agent id (repeatable)")
	return cmd
}

func agentsCmd(v *viper.Viper) *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Inspect manager agents"}
	agents.AddCommand(agentsListCmd(v))
	agents.AddCommand(agentsShowCmd(v))
	agents.AddCommand(agentsCreateCmd(v))
	agents.AddCommand(agentsMessageCmd(v))
	agents.AddCommand(agentsCancelCmd(v))
	return agents
}

func agentsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				records, err := d.ListAgents(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if v.GetBool("json") {
					return printJSON(out, records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Rules", "Past Runs"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Role, len(r.LongTermMemory.LearnedRules), len(r.LongTermMemory.PastProjectIterations)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentsShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent and its active main task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				state, err := d.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				mt, err := state.ActiveMainTask()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if v.GetBool("json") {
					return printJSON(out, map[string]any{
						"agent":     state.Record(),
						"main_task": mt,
					})
				}

				fmt.Fprintf(out, "%s (%s, %s)\n", state.ID, state.Name, state.Role)
				fmt.Fprintf(out, "messages: %d, version: %d\n", len(state.ShortTermMemory.History), state.Version)
				if mt == nil {
					fmt.Fprintln(out, "no active main task")
					return nil
				}
				fmt.Fprintf(out, "main task %s: %s\n", mt.ID, mt.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Effort"})
				for _, st := range mt.SubTasks {
					tw.AppendRow(table.Row{st.ID, st.Name, st.Status, st.Effort})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentsCreateCmd(v *viper.Viper) *cobra.Command {
	var rec domain.AgentRecord
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manager agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				created, err := d.CreateAgent(ctx, rec)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created agent %s\n", created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rec.ID, "id", "", "agent id (generated when empty)")
	cmd.Flags().StringVar(&rec.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&rec.Role, "role", "", "agent role")
	return cmd
}

func agentsMessageCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "message <id> <content>",
		Short: "Send a message to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				reply, err := d.SendMessage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
}

func agentsCancelCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an agent's active main task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				ok, err := d.CancelMainTask(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to cancel")
				}
				return nil
			})
		},
	}
}

func rulesCmd(v *viper.Viper) *cobra.Command {
	rulesRoot := &cobra.Command{Use: "rules", Short: "Inspect learned rules"}
	rulesRoot.AddCommand(&cobra.Command{
		Use:   "list <agent-id>",
		Short: "List an agent's learned rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), v, func(ctx context.Context, d *workflow.Driver) error {
				learned, err := d.LearnedRules(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if v.GetBool("json") {
					return printJSON(out, learned)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Description", "Context", "Validations"})
				for _, r := range learned {
					tw.AppendRow(table.Row{r.ID, shorten(r.Description, 60), r.Context, r.ValidationCount})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rulesRoot
}
