package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rulesmith/internal/config"
	"rulesmith/internal/engine"
	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

var (
	// Global flags
	verbose   bool
	workspace string
	category  string
	scopeTag  string

	// Logger
	logger *zap.Logger

	// exitCode is set by commands whose result maps to a non-zero exit,
	// deferred to main so engine shutdown and log sync still run.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rulesmith",
	Short: "rulesmith - adaptive rule memory for code generation",
	Long: `rulesmith stores behavioral rules learned from user corrections, ages them
by confidence decay, consolidates near-duplicates, and applies the survivors:
selecting the relevant set for a generation request and validating generated
artifacts against both fixed safety policies and the learned rules.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			ws, err := config.FindWorkspaceRoot()
			if err != nil {
				ws, _ = os.Getwd()
			}
			workspace = ws
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openEngine loads the workspace configuration and assembles the engine.
func openEngine() (*engine.Engine, error) {
	cfg, err := config.Load(config.DefaultConfigPath(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return engine.New(cfg)
}

func requestContext() rule.RequestContext {
	return rule.RequestContext{Category: category, ScopeTag: scopeTag}
}

var teachCmd = &cobra.Command{
	Use:   "teach [rule text]",
	Short: "Teach a rule directly (source=explicit, full confidence)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		text := args[0]
		for _, a := range args[1:] {
			text += " " + a
		}
		r, err := eng.TeachRule(cmd.Context(), text, category, scopeTag)
		if err != nil {
			return fmt.Errorf("failed to teach rule: %w", err)
		}
		fmt.Printf("Learned rule %s: %q (confidence %.2f)\n", r.ID, r.Text, r.Confidence)
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage the stored rule set",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules selected for the given category and scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		selected, err := eng.Select(cmd.Context(), requestContext())
		if err != nil {
			return fmt.Errorf("selection failed: %w", err)
		}
		if len(selected) == 0 {
			fmt.Println("No rules match.")
			return nil
		}
		for _, s := range selected {
			fmt.Printf("%-36s  %.2f  [%s/%s] %s\n",
				s.Rule.ID, s.EffectiveConfidence, s.Rule.Source, s.Rule.Category, s.Rule.Text)
		}
		return nil
	},
}

var rulesBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List pruner backup entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		entries, err := eng.Store().Backups(cmd.Context(), 50)
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, b := range entries {
			fmt.Printf("%6d  %s  %.3f  %s  %q\n",
				b.BackupID, b.DeletedAt.Format(time.RFC3339), b.EffectiveConfidence, b.Reason, b.Rule.Text)
		}
		return nil
	},
}

var rulesRestoreCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Re-insert a pruned rule from its backup entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backupID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid backup id %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		r, err := eng.Store().Restore(cmd.Context(), backupID)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored rule %s: %q\n", r.ID, r.Text)
		return nil
	},
}

var (
	correctOriginal  string
	correctCorrected string
	correctReason    string
	correctGenID     string
)

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Submit a correction pair and learn from it",
	RunE: func(cmd *cobra.Command, args []string) error {
		original, err := os.ReadFile(correctOriginal)
		if err != nil {
			return fmt.Errorf("failed to read original: %w", err)
		}
		corrected, err := os.ReadFile(correctCorrected)
		if err != nil {
			return fmt.Errorf("failed to read corrected: %w", err)
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.SubmitCorrection(cmd.Context(), &rule.CorrectionEvent{
			GenerationID: correctGenID,
			Original:     string(original),
			Corrected:    string(corrected),
			Reason:       correctReason,
			Context:      requestContext(),
		})
		if err != nil {
			return fmt.Errorf("correction failed: %w", err)
		}

		fmt.Printf("Status: %s\n", res.Status)
		for _, r := range res.Learned {
			fmt.Printf("  learned %s: %q\n", r.ID, r.Text)
		}
		for _, id := range res.Reinforced {
			fmt.Printf("  reinforced %s\n", id)
		}
		return nil
	},
}

var validateWrite bool

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate an artifact and apply safe auto-fixes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		artifact, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.Validate(cmd.Context(), string(artifact), requestContext())
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}

		if !res.RulesApplied {
			fmt.Println("warning: learned rules unavailable, static checks only")
		}
		for _, f := range res.Fixed {
			fmt.Printf("fixed    [%s] %s\n", f.Kind, f.Message)
		}
		for _, is := range res.Issues {
			fmt.Printf("%-8s [%s] %s\n", is.Severity, is.Kind, is.Message)
		}
		if res.Clean() && len(res.Fixed) == 0 {
			fmt.Println("clean")
		}

		if validateWrite && len(res.Fixed) > 0 {
			if err := os.WriteFile(args[0], []byte(res.Artifact), 0644); err != nil {
				return fmt.Errorf("failed to write fixed artifact: %w", err)
			}
			fmt.Printf("wrote fixed artifact to %s\n", args[0])
		}
		if res.Blocked() {
			exitCode = 2
		}
		return nil
	},
}

var maintainDryRun bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the merge sweep and pruning pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.Maintain(cmd.Context(), maintainDryRun)
		if err != nil {
			return fmt.Errorf("maintenance failed: %w", err)
		}

		verb := "merged"
		if report.DryRun {
			verb = "would merge"
		}
		for _, m := range report.Merges {
			fmt.Printf("%s %s into %s (similarity %.2f)\n", verb, m.VictimID, m.SurvivorID, m.Similarity)
		}
		if report.Prune != nil {
			if report.DryRun {
				fmt.Printf("would prune %d of %d rules\n", len(report.Prune.Candidates), report.Prune.Examined)
			} else {
				fmt.Printf("pruned %d of %d rules\n", report.Prune.Deleted, report.Prune.Examined)
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export all rules as versioned JSONL (stdout by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			defer f.Close()
			out = f
		}
		return eng.ExportRules(cmd.Context(), out)
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a JSONL rule set, merging into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.ImportRules(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("imported %d, reinforced %d, skipped %d\n", res.Imported, res.Reinforced, res.Skipped)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rule population statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		st, err := eng.Store().Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}

		fmt.Printf("rules:           %d\n", st.TotalRules)
		fmt.Printf("avg confidence:  %.3f\n", st.AvgConfidence)
		fmt.Printf("applied/success: %d/%d\n", st.TotalApplied, st.TotalSuccess)
		fmt.Printf("backups:         %d\n", st.BackupCount)
		fmt.Printf("merges:          %d\n", st.MergeCount)
		if len(st.ByCategory) > 0 {
			fmt.Println("by category:")
			for c, n := range st.ByCategory {
				fmt.Printf("  %-16s %d\n", c, n)
			}
		}
		if len(st.BySource) > 0 {
			fmt.Println("by source:")
			for s, n := range st.BySource {
				fmt.Printf("  %-16s %d\n", s, n)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default: auto-detect)")
	rootCmd.PersistentFlags().StringVarP(&category, "category", "c", "", "rule category")
	rootCmd.PersistentFlags().StringVarP(&scopeTag, "scope", "s", "", "scope tag (e.g. hardware platform)")

	correctCmd.Flags().StringVar(&correctOriginal, "original", "", "path to the original artifact")
	correctCmd.Flags().StringVar(&correctCorrected, "corrected", "", "path to the corrected artifact")
	correctCmd.Flags().StringVar(&correctReason, "reason", "", "why the correction was made")
	correctCmd.Flags().StringVar(&correctGenID, "generation", "", "generation id the correction applies to")
	_ = correctCmd.MarkFlagRequired("original")
	_ = correctCmd.MarkFlagRequired("corrected")

	validateCmd.Flags().BoolVar(&validateWrite, "write", false, "write the fixed artifact back in place")
	maintainCmd.Flags().BoolVar(&maintainDryRun, "dry-run", false, "report without mutating")

	rulesCmd.AddCommand(rulesListCmd, rulesBackupsCmd, rulesRestoreCmd)
	rootCmd.AddCommand(teachCmd, rulesCmd, correctCmd, validateCmd, maintainCmd, exportCmd, importCmd, statsCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
