package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clawshield/clawshield/internal/config"
	"github.com/clawshield/clawshield/internal/store"
)

func openStore() (*store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Defaults()
	}
	return store.Open(cfg.Database.Driver, cfg.Database.DSN, newLogger("error"))
}

func newThreatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threats",
		Short: "Query and resolve recorded threats",
	}

	cmd.AddCommand(
		newThreatsListCmd(),
		newThreatsResolveCmd(),
	)

	return cmd
}

func newThreatsListCmd() *cobra.Command {
	var agent, severity string
	var unresolved bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded threat events",
		Example: `  clawshield threats list
  clawshield threats list --severity critical
  clawshield threats list --agent research-agent --unresolved`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			threats, err := st.Threats(context.Background(), store.ThreatQuery{
				AgentID:    agent,
				Severity:   severity,
				Unresolved: unresolved,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			if len(threats) == 0 {
				fmt.Println("No threats found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tAGENT\tTYPE\tSEVERITY\tRESOLVED\tCREATED\n") //nolint:errcheck
			for _, th := range threats {
				sev := th.Severity
				switch sev {
				case "critical":
					sev = color.RedString(sev)
				case "high":
					sev = color.YellowString(sev)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", //nolint:errcheck
					th.ID, th.AgentID, th.Type, sev, th.Resolved,
					th.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (low, medium, high, critical)")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved threats")
	cmd.Flags().IntVar(&limit, "limit", 50, "max threats to return")
	return cmd
}

func newThreatsResolveCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a threat as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			if err := st.ResolveThreat(context.Background(), args[0], by); err != nil {
				return err
			}
			fmt.Printf("Resolved %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "operator", "who resolved the threat")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage registered agents",
	}

	cmd.AddCommand(newAgentsAddCmd(), newAgentsShowCmd())
	return cmd
}

func newAgentsAddCmd() *cobra.Command {
	var name, endpoint string
	var permissions, trustedDomains []string
	var rateLimit int

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register an agent",
		Example: `  clawshield agents add research-agent --name "Research Agent"
  clawshield agents add worker --trusted-domain api.example.com --rate-limit 200`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			agent := &store.Agent{
				ID:                   args[0],
				Name:                 name,
				Endpoint:             endpoint,
				Status:               "active",
				Permissions:          permissions,
				TrustedDomains:       trustedDomains,
				MaxRequestsPerMinute: rateLimit,
			}
			if agent.Name == "" {
				agent.Name = agent.ID
			}
			if err := st.UpsertAgent(context.Background(), agent); err != nil {
				return err
			}
			fmt.Printf("Registered %s\n", agent.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "agent endpoint URL")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "granted permission (repeatable)")
	cmd.Flags().StringSliceVar(&trustedDomains, "trusted-domain", nil, "trusted exfiltration domain (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "max requests per minute (0 = gateway default)")
	return cmd
}

func newAgentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			agent, err := st.AgentByID(context.Background(), args[0])
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("agent %q not found", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(agent)
		},
	}
}
