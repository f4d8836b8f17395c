package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clawshield/clawshield/internal/skills"
)

func newAnalyzeCmd() *cobra.Command {
	var timeoutMs int
	var memoryMiB int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Run the skill analyzer on a JavaScript file",
		Example: `  clawshield analyze skill.js
  clawshield analyze skill.js --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading skill: %w", err)
			}

			logger := newLogger("error")
			analyzer := skills.NewAnalyzer(time.Duration(timeoutMs)*time.Millisecond, memoryMiB, logger)
			result := analyzer.Analyze(string(code))

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printVerdict(args[0], result)
			if !result.Safe {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutMs, "timeout", 5000, "sandbox timeout in milliseconds")
	cmd.Flags().IntVar(&memoryMiB, "memory", 50, "sandbox allocation bound in MiB")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	return cmd
}

func printVerdict(path string, result skills.Result) {
	verdict := color.GreenString("SAFE")
	if !result.Safe {
		verdict = color.RedString("UNSAFE")
	}
	fmt.Printf("%s  %s  (risk %.2f, %.0fms)\n", verdict, path, result.RiskScore, result.AnalysisTimeMs)
	if result.Reason != "" {
		fmt.Printf("  Reason: %s\n", result.Reason)
	}
	if result.Signature != "" {
		fmt.Printf("  Signature: %s\n", color.RedString(result.Signature))
	}

	for _, v := range result.Vulnerabilities {
		sev := v.Severity
		switch sev {
		case "critical":
			sev = color.RedString(sev)
		case "high":
			sev = color.YellowString(sev)
		}
		loc := ""
		if v.Line > 0 {
			loc = fmt.Sprintf(" (line %d)", v.Line)
		}
		fmt.Printf("  [%s] %s: %s%s\n", sev, v.Type, v.Detail, loc)
	}
	for _, b := range result.Behaviors {
		fmt.Printf("  [%s] %s\n", color.YellowString("runtime"), b)
	}
	for _, p := range result.Patterns {
		fmt.Printf("  pattern: %s\n", p)
	}
}
