package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "clawshield",
		Short: "Inline security gateway for AI agents",
		Long:  "ClawShield: firewall, skill analysis, and response scrubbing for AI agent traffic. Sits between agents and their host as an inline proxy.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "clawshield.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newAnalyzeCmd(),
		newThreatsCmd(),
		newAgentsCmd(),
		newRulesCmd(),
		newVersionCmd(),
	)

	return root
}
