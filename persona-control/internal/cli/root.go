package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/governance"
	"github.com/ILLUVRSE/joi/persona-control/internal/rollout"
	"github.com/ILLUVRSE/joi/persona-control/internal/versions"
)

// Exit codes for personactl.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitRetryable = 3
)

// Env is what the commands operate on. Close releases anything Load opened.
type Env struct {
	Controller *rollout.Controller
	Versions   *versions.Service
	Reporter   *governance.Reporter
	Archiver   governance.Archiver
	Close      func() error
}

// Loader builds an Env on demand so that --help never touches the database.
type Loader func(ctx context.Context) (*Env, error)

type RootOptions struct {
	Format string
	Actor  string
	load   Loader
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the personactl command tree.
func NewRootCommand(load Loader) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:   "personactl",
		Short: "Operate persona versions and canary rollouts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", defaultActor(), "operator name recorded on decisions")

	cmd.AddCommand(newEvaluateAllCommand(opts))
	cmd.AddCommand(newTerminateCommand(opts, "promote"))
	cmd.AddCommand(newTerminateCommand(opts, "rollback"))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newRollbackToCommand(opts))
	cmd.AddCommand(newGovernanceCommand(opts))
	cmd.AddCommand(newVersionsCommand(opts))

	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(load Loader, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(load)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", errs.Message(err))
		if code := errs.GetCode(err); code != "" {
			fmt.Fprintf(stderr, "code: %s\n", code)
		}
		return ExitCode(err)
	}
	return ExitSuccess
}

func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errs.Retryable(err):
		return ExitRetryable
	}
	return ExitFailure
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "personactl"
}

// withEnv loads the Env, runs fn and closes the Env.
func (o *RootOptions) withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := o.load(ctx)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer env.Close()
	}
	return fn(ctx, env)
}

// print writes v as JSON or hands w to text for the text format.
func (o *RootOptions) print(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
