// Package cmd implements the swarm CLI: starting and stopping sessions,
// inspecting stored session state, and cleaning up orphaned resources.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cbriice/claude-swarm-sub002/internal/config"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "swarm",
	Short:   "Orchestrate a swarm of coding agents in tmux panes",
	Long: `Swarm runs multi-agent coding workflows: each agent works in its own
tmux pane and git worktree, agents exchange messages through filesystem
mailboxes, and the orchestrator routes those messages through a workflow
state machine until the goal is done.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .swarm/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("state_dir", defaults.StateDir)
	viper.SetDefault("worktrees_dir", defaults.WorktreesDir)
	viper.SetDefault("roles_dir", defaults.RolesDir)
	viper.SetDefault("branch_prefix", defaults.BranchPrefix)
	viper.SetDefault("worker_command", defaults.WorkerCommand)
	viper.SetDefault("auto_cleanup", defaults.AutoCleanup)
	viper.SetDefault("keep_checkpoints", defaults.KeepCheckpoints)
	viper.SetDefault("timeouts.workflow", defaults.Timeouts.Workflow)
	viper.SetDefault("timeouts.agent", defaults.Timeouts.Agent)
	viper.SetDefault("timeouts.agent_ready", defaults.Timeouts.AgentReady)
	viper.SetDefault("timeouts.monitor_interval", defaults.Timeouts.MonitorInterval)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .swarm/config.yaml (current directory)
		// 2. ~/.config/claude-swarm/config.yaml (user config)
		if _, err := os.Stat(".swarm/config.yaml"); err == nil {
			viper.SetConfigFile(".swarm/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "claude-swarm"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config anywhere: seed .swarm/config.yaml with the defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".swarm/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
	cfg.Normalize()

	if debug || os.Getenv("SWARM_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
