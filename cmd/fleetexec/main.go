// Command fleetexec runs the execution engine ("serve") and drives a
// running engine over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/jobspec"
	"github.com/andrej220/fleetexec/internal/persistence"
	"github.com/andrej220/fleetexec/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	config string
	server string
	actor  string
	json   bool
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.actor)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fleetexec",
		Short:         "Run jobs on fleets of SSH and WinRM hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.config, "config", CONFIGFILENAME, "path to the configuration file")
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("FLEETEXEC_SERVER", DEFAULTSERVER), "engine API address")
	root.PersistentFlags().StringVar(&opts.actor, "actor", envOr("USER", "cli"), "name recorded in audit events")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON")

	root.AddCommand(
		newServeCmd(opts),
		newApplyCmd(opts),
		newSubmitCmd(opts),
		newGetCmd(opts),
		newExportCmd(opts),
		newCancelCmd(opts),
		newTerminateCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts.config)
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f jobs.hcl",
		Short: "Create or replace the jobs and schedules defined in an HCL file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := jobspec.ParseFile(file)
			if err != nil {
				return err
			}
			return apply(cmd.Context(), opts.client(), doc, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "HCL definitions file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type applier interface {
	SaveJob(ctx context.Context, job *models.Job) error
	CreateSchedule(ctx context.Context, s *models.Schedule) error
}

func apply(ctx context.Context, c applier, doc *jobspec.Document, out io.Writer) error {
	for i := range doc.Jobs {
		j := &doc.Jobs[i]
		if err := c.SaveJob(ctx, j); err != nil {
			return errors.Wrapf(err, "job %s", j.ID)
		}
		fmt.Fprintf(out, "job/%s saved\n", j.ID)
	}
	for i := range doc.Schedules {
		s := &doc.Schedules[i]
		if err := c.CreateSchedule(ctx, s); err != nil {
			return errors.Wrapf(err, "schedule %s", s.ID)
		}
		fmt.Fprintf(out, "schedule/%s next run %s\n", s.ID, s.NextRunAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		targets []string
		group   string
		labels  []string
	)
	cmd := &cobra.Command{
		Use:   "submit <job>",
		Short: "Start an execution of a saved job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SubmitRequest{JobID: args[0], TriggeredBy: opts.actor}
			override, err := targetOverride(targets, group, labels)
			if err != nil {
				return err
			}
			req.Targets = override
			id, err := opts.client().Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target id, replaces the job's targets (repeatable)")
	cmd.Flags().StringVarP(&group, "group", "g", "", "target group, replaces the job's targets")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "key=value label filter (repeatable)")
	return cmd
}

func targetOverride(ids []string, group string, labels []string) (*models.TargetSpec, error) {
	spec := &models.TargetSpec{TargetIDs: ids, Group: group}
	for _, kv := range labels {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, errors.Newf("label %q is not key=value", kv)
		}
		if spec.Labels == nil {
			spec.Labels = make(map[string]string)
		}
		spec.Labels[k] = v
	}
	if spec.IsEmpty() {
		return nil, nil
	}
	return spec, nil
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution>",
		Short: "Show an execution and its branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.client().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(e)
			}
			printExecution(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func printExecution(out io.Writer, e *models.Execution) {
	fmt.Fprintf(out, "%s  job=%s  status=%s", e.ID, e.JobID, e.Status)
	if e.Reason != "" {
		fmt.Fprintf(out, "  reason=%s", e.Reason)
	}
	fmt.Fprintf(out, "  triggered_by=%s\n\n", e.TriggeredBy)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tACTION\tSTATUS\tATTEMPTS\tEXIT\tREASON")
	for _, b := range e.Branches {
		for _, r := range b.Results {
			exit := "-"
			if r.ExitCode != nil {
				exit = fmt.Sprint(*r.ExitCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", b.TargetID, r.ActionName, r.Status, r.AttemptCount, exit, r.Reason)
		}
	}
	tw.Flush()
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "export <execution> <file>",
		Short: "Write an execution report as JSON, or YAML for .yaml files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.client().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := persistence.ExportExecution(e, args[1], overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", e.ID, args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution>",
		Short: "Stop an execution before its next action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancel requested\n", args[0])
			return nil
		},
	}
}

func newTerminateCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <execution> --reason text",
		Short: "Abort an execution immediately, including in-flight remote calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Terminate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s terminated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the execution is terminated (recorded in the audit log)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show engine health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return json.NewEncoder(out).Encode(h)
			}
			fmt.Fprintf(out, "queued=%d running=%d stale=%d failure_rate=%.2f\n",
				h.Engine.Queued, h.Engine.Running, h.Engine.Stale, h.Engine.RecentFailureRate)
			if h.Host != nil {
				fmt.Fprintf(out, "host cpus=%d load1=%.2f mem=%.1f%%\n", h.Host.CPUs, h.Host.Load1, h.Host.MemoryUsedPercent)
			}
			return nil
		},
	}
}
