package cmd

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List available workflow templates",
	Args:  cobra.NoArgs,
	RunE:  runWorkflows,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflows(cmd *cobra.Command, _ []string) error {
	registry := workflow.NewRegistry()
	if _, err := workflow.LoadUserTemplates(registry, cfg.WorkflowsDir()); err != nil {
		log.Warn(log.CatWorkflow, "user templates not loaded", "error", err)
	}

	names := registry.Names()
	sort.Strings(names)
	for _, name := range names {
		tmpl, err := registry.Resolve(name)
		if err != nil {
			continue
		}
		cmd.Printf("%-12s %s\n", name, tmpl.Description)
	}
	return nil
}
