package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/bouthilx/protopt/internal/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTrialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Inspect and manage trials",
	}
	cmd.AddCommand(
		newTrialListCmd(),
		newTrialShowCmd(),
		newTrialQueueCmd(),
		newTrialSampleCmd(),
		newTrialRunCmd(),
		newTrialEvaluateCmd(),
	)
	return cmd
}

func newTrialListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			names, _ := cmd.Flags().GetStringSlice("status")
			statuses, err := parseStatuses(names)
			if err != nil {
				return err
			}
			trials, err := a.exp.ListTrials(a.ctx, statuses...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(trials) == 0 {
				fmt.Fprintln(out, "No trials found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCLUSTER\tRESULT\tPARAMS")
			for _, tr := range trials {
				doc := tr.Doc()
				cluster := "-"
				if doc.Host != nil && doc.Host.Cluster != "" {
					cluster = doc.Host.Cluster
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					doc.ID, doc.Status, cluster, result(a.exp, tr), formatParams(doc.Config.Params))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSlice("status", nil, "only list trials in these statuses")
	return cmd
}

func newTrialShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [trial-id]",
		Short: "Show trial details and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tr, err := a.exp.GetTrial(a.ctx, args[0])
			if err != nil {
				return err
			}
			decisions, err := a.exp.Decisions(a.ctx, tr.ID())
			if err != nil {
				return err
			}
			printTrial(cmd.OutOrStdout(), a.exp, tr, decisions)
			return nil
		},
	}
}

func newTrialQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue a configuration built from the defaults",
		Long: `Queue the default configuration with the given values overridden.
Values are parsed as YAML scalars: --set lr=0.01 --set optimizer=adam.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sets, _ := cmd.Flags().GetStringArray("set")
			force, _ := cmd.Flags().GetBool("force")
			cfg, err := a.space.Default()
			if err != nil {
				return err
			}
			if cfg, err = applySets(cfg, sets); err != nil {
				return err
			}

			tr, err := a.exp.QueueConfig(a.ctx, cfg, force)
			if errors.Is(err, experiment.ErrDuplicate) {
				fmt.Fprintf(cmd.OutOrStdout(), "Similar trial %s is %s. Use --force to queue anyway.\n", tr.ID(), tr.Status())
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued trial: %s\n", tr.ID())
			return nil
		},
	}
	cmd.Flags().StringArray("set", nil, "override a value: key=value")
	cmd.Flags().Bool("force", false, "queue even if a similar trial exists")
	return cmd
}

func newTrialSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Propose and queue a pool of new candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			trials, err := a.exp.CreateNewTrials(a.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d trials\n", len(trials))
			for _, tr := range trials {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", tr.ID(), formatParams(tr.Config().Params))
			}
			return nil
		},
	}
}

func newTrialRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [first|last|random|trial-id]",
		Short: "Run a single trial",
		Long: `Run one trial. Without argument a random runnable trial is picked,
sampling new candidates when none are runnable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			selector := experiment.SelectRandom
			if len(args) == 1 {
				selector = args[0]
			}

			ctx, intr := worker.NewInterrupter(a.ctx, a.logger)
			intr.Notify()
			defer intr.Stop()

			tr, err := a.exp.SelectTrial(ctx, selector)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Running trial %s\n", tr.ID())
			res := tr.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Trial %s: %s\n", tr.ID(), res.Outcome)
			if res.OK() {
				return nil
			}
			return res.Err
		},
	}
}

func newTrialEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate [trial-id]",
		Short: "Queue the evaluation of a completed trial",
		Long: `Queue a copy of a completed trial that trains without a validation
split, for as many epochs as the original was validated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tr, err := a.exp.GetTrial(a.ctx, args[0])
			if err != nil {
				return err
			}
			eval, err := a.exp.QueueEvaluation(a.ctx, tr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evaluation trial: %s (%s)\n", eval.ID(), eval.Status())
			return nil
		},
	}
}

func parseStatuses(names []string) ([]models.TrialStatus, error) {
	var out []models.TrialStatus
	for _, name := range names {
		st, ok := models.ParseStatus(strings.ToUpper(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown status %q", name)
		}
		out = append(out, st)
	}
	return out, nil
}

// applySets overrides cfg with key=value pairs.
func applySets(cfg models.Config, sets []string) (models.Config, error) {
	m := cfg.Map()
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return cfg, fmt.Errorf("invalid --set %q, expected key=value", s)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return cfg, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if n, isInt := v.(int); isInt {
			v = int64(n)
		}
		m[key] = v
	}
	return models.ConfigFromMap(m)
}

func result(exp *experiment.Experiment, tr *trial.Trial) string {
	if !tr.IsCompleted() {
		return "-"
	}
	v, err := exp.GetResult(tr)
	if err != nil {
		return "error"
	}
	return fmt.Sprintf("%.4g", v)
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, " ")
}

func printTrial(out io.Writer, exp *experiment.Experiment, tr *trial.Trial, decisions []models.PDREntry) {
	doc := tr.Doc()
	fmt.Fprintf(out, "ID:         %s\n", doc.ID)
	fmt.Fprintf(out, "Experiment: %s\n", doc.Experiment)
	fmt.Fprintf(out, "Status:     %s\n", doc.Status)
	if doc.Host != nil {
		fmt.Fprintf(out, "Host:       %s on %s (worker %s)\n", doc.Host.Hostname, doc.Host.Cluster, doc.Host.WorkerID)
	}
	fmt.Fprintf(out, "Created:    %s\n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:    %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Result:     %s\n", result(exp, tr))

	fmt.Fprintln(out, "\nConfig:")
	m := doc.Config.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, m[k])
	}

	if metrics := tr.Metrics(); len(metrics) > 0 {
		fmt.Fprintln(out, "\nMetrics:")
		for _, name := range metrics.Names() {
			curve := metrics[name][models.UnitEpoch]
			steps := curve.Steps()
			if len(steps) == 0 {
				continue
			}
			last := steps[len(steps)-1]
			fmt.Fprintf(out, "  %s: %.4g at epoch %g (%d points)\n", name, curve[last], last, len(steps))
		}
	}

	if len(decisions) > 0 {
		fmt.Fprintln(out, "\nDecisions:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, d := range decisions {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", d.Timestamp.Format("15:04:05"), d.Action, d.Outcome, d.Details)
		}
		w.Flush()
	}
}
