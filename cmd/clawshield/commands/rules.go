package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawshield/clawshield/internal/config"
	"github.com/clawshield/clawshield/internal/engine"
	"github.com/clawshield/clawshield/internal/store"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage firewall and content rules",
	}

	cmd.AddCommand(
		newRulesListCmd(),
		newRulesAddCmd(),
		newRulesContentCmd(),
	)

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled firewall rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			rules, err := st.EnabledRules(context.Background())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("No enabled rules.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "PRIORITY\tID\tTYPE\tACTION\tNAME\n") //nolint:errcheck
			for _, r := range rules {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", //nolint:errcheck
					r.Priority, r.ID, r.Type, r.Action.Type, r.Name)
			}
			return tw.Flush()
		},
	}
}

func newRulesAddCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a firewall rule from a JSON file",
		Example: `  clawshield rules add --file deny-shell.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading rule: %w", err)
			}

			var rule struct {
				ID          string                `json:"id"`
				Name        string                `json:"name"`
				Description string                `json:"description"`
				Type        string                `json:"type"`
				Priority    int                   `json:"priority"`
				Conditions  []store.RuleCondition `json:"conditions"`
				Action      store.RuleAction      `json:"action"`
			}
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("parsing rule: %w", err)
			}

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			if err := st.InsertRule(context.Background(), store.FirewallRule{
				ID:          rule.ID,
				Name:        rule.Name,
				Description: rule.Description,
				Type:        rule.Type,
				Priority:    rule.Priority,
				Enabled:     true,
				Conditions:  rule.Conditions,
				Action:      rule.Action,
			}); err != nil {
				return err
			}
			fmt.Printf("Added rule %s\n", rule.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "rule definition file (JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRulesContentCmd() *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "content",
		Short: "List or explain content detection rules",
		Example: `  clawshield rules content
  clawshield rules content --explain PI-001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				cfg = config.Defaults()
			}
			scanner := engine.NewScanner(cfg.Firewall.CustomRulesDir, newLogger("error"))

			if explain != "" {
				detail, err := scanner.ExplainRule(explain)
				if err != nil {
					return err
				}
				fmt.Printf("Rule: %s\n", detail.ID)
				fmt.Printf("Name: %s\n", detail.Name)
				fmt.Printf("Severity: %s\n", detail.Severity)
				fmt.Printf("Category: %s\n", detail.Category)
				fmt.Printf("Description: %s\n", detail.Description)
				fmt.Println("\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Printf("  %s\n", p)
				}
				return nil
			}

			allRules := scanner.ListRules()
			fmt.Printf("Loaded %d detection rules:\n\n", len(allRules))
			for _, r := range allRules {
				fmt.Printf("  %-12s %-10s %s\n", r.ID, r.Severity, r.Name)
			}

			fmt.Printf("\nEngine status: OK (%d rules loaded)\n", scanner.RulesCount(context.Background()))
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	return cmd
}
