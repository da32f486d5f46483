package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

func newEvaluateAllCommand(opts *RootOptions) *cobra.Command {
	var (
		limit int
		apply bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate-all",
		Short: "Evaluate every active canary, oldest first",
		Long: `Evaluate every active canary against its baseline.

Without --apply decisions are only reported. With --apply promote and
rollback decisions are committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				res, err := env.Controller.EvaluateAllActive(ctx, limit, apply)
				if err != nil {
					return err
				}
				return opts.print(cmd, res, func(w io.Writer) {
					for _, it := range res.Items {
						switch {
						case it.Error != "":
							fmt.Fprintf(w, "%s  %-20s  error     %s (%s)\n", it.RolloutID, it.AgentID, it.Error, it.Code)
						case it.Decision != nil:
							fmt.Fprintf(w, "%s  %-20s  %-8s  applied=%t  %s\n", it.RolloutID, it.AgentID, it.Decision.Action, it.Applied, it.Decision.Reason)
						}
					}
					fmt.Fprintf(w, "evaluated=%d promoted=%d rolled_back=%d continued=%d failed=%d\n",
						res.Evaluated, res.Promoted, res.RolledBack, res.Continued, res.Failed)
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rollouts to evaluate")
	cmd.Flags().BoolVar(&apply, "apply", false, "commit promote and rollback decisions")
	return cmd
}

// newTerminateCommand builds promote and rollback, which differ only in the
// target status.
func newTerminateCommand(opts *RootOptions, verb string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <rolloutId>",
		Short: fmt.Sprintf("Manually %s an active canary", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("rolloutId", args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				var r models.PersonaRollout
				if verb == "promote" {
					r, err = env.Controller.Promote(ctx, id, reason, opts.Actor)
				} else {
					r, err = env.Controller.Rollback(ctx, id, reason, opts.Actor)
				}
				if err != nil {
					return err
				}
				return opts.print(cmd, r, func(w io.Writer) { printRollout(w, r) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason recorded on the rollout")
	return cmd
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <agentId>",
		Short: "Cancel the active canary of an agent, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				r, err := env.Controller.CancelActiveForAgent(ctx, args[0], reason, opts.Actor)
				if err != nil {
					return err
				}
				return opts.print(cmd, map[string]interface{}{"cancelled": r}, func(w io.Writer) {
					if r == nil {
						fmt.Fprintf(w, "agent %s has no active rollout\n", args[0])
						return
					}
					printRollout(w, *r)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason recorded on the rollout")
	return cmd
}

func newRollbackToCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback-to <agentId> <versionId>",
		Short: "Reactivate an earlier version as a new rollback version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("versionId", args[1])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				v, err := env.Controller.RollbackToVersion(ctx, args[0], id, reason, opts.Actor)
				if err != nil {
					return err
				}
				return opts.print(cmd, v, func(w io.Writer) {
					fmt.Fprintf(w, "agent %s now serves %s (rollback of %s)\n", v.AgentID, v.ID, id)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "change summary for the rollback version")
	return cmd
}

func newGovernanceCommand(opts *RootOptions) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "governance",
		Short: "Print a governance snapshot of all rollouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				snap, err := env.Reporter.Snapshot(ctx)
				if err != nil {
					return err
				}
				var location string
				if archive {
					if env.Archiver == nil {
						return errs.New(errs.CodeValidation, "--archive needs PERSONA_ARCHIVE_BUCKET")
					}
					if location, err = env.Archiver.Archive(ctx, snap); err != nil {
						return errs.Wrap(errs.CodeDependency, err, "Unable to archive snapshot %s", snap.ID)
					}
				}
				out := map[string]interface{}{"snapshot": snap}
				if location != "" {
					out["archivedTo"] = location
				}
				return opts.print(cmd, out, func(w io.Writer) {
					fmt.Fprint(w, governance.Render(snap))
					if location != "" {
						fmt.Fprintf(w, "archived to %s\n", location)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "archive the snapshot to S3")
	return cmd
}

func newVersionsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "versions <agentId>",
		Short: "List recent persona versions of an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(ctx context.Context, env *Env) error {
				list, err := env.Versions.ListRecent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return opts.print(cmd, list, func(w io.Writer) {
					for _, v := range list {
						marker := " "
						if v.IsActive {
							marker = "*"
						}
						fmt.Fprintf(w, "%s %s  %-8s  %-8s  %s  %s\n", marker, v.ID, v.Source, v.QualityStatus,
							v.CreatedAt.UTC().Format("2006-01-02 15:04"), v.ChangeSummary)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum versions to list")
	return cmd
}

func printRollout(w io.Writer, r models.PersonaRollout) {
	fmt.Fprintf(w, "rollout %s agent=%s status=%s reason=%q\n", r.ID, r.AgentID, r.Status, r.DecisionReason)
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.New(errs.CodeValidation, "%s %q is not a uuid", name, raw)
	}
	return id, nil
}
