package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"doccontrol/internal/scheduler"
	id "doccontrol/pkg/domain"
)

var (
	tokenRoles []string
	tokenTTL   time.Duration

	tickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass over the due index and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.requireDatabase("tick"); err != nil {
					return err
				}
				if a.redis == nil {
					if _, err := a.RebuildIndex(ctx); err != nil {
						return err
					}
				}
				res, err := a.scheduler.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(tickSummary(res))
			})
		},
	}

	verifyCmd = &cobra.Command{
		Use:   "verify <document-id>",
		Short: "Verify the ledger hash chain of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := id.ParseDocumentID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.requireDatabase("verify"); err != nil {
					return err
				}
				history, err := a.workflow.Verify(ctx, docID)
				if history != nil {
					if perr := printJSON(history); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	rebuildIndexCmd = &cobra.Command{
		Use:   "rebuild-index",
		Short: "Recompute the due index from document records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.requireDatabase("rebuild-index"); err != nil {
					return err
				}
				n, err := a.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "due index rebuilt with %d entries\n", n)
				return nil
			})
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development bearer token signed with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := id.ParseUserID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(_ context.Context, a *app) error {
				token, err := a.verifier.Issue(userID, tokenRoles, tokenTTL)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
)

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{"author"}, "role to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func tickSummary(res scheduler.TickResult) map[string]any {
	return map[string]any{
		"now":         res.Now,
		"duration_ms": res.Duration().Milliseconds(),
		"contended":   res.Contended,
		"due":         len(res.Items),
		"applied":     res.Count(scheduler.OutcomeApplied),
		"skipped":     res.Count(scheduler.OutcomeSkipped),
		"blocked":     res.Count(scheduler.OutcomeBlocked),
		"removed":     res.Count(scheduler.OutcomeRemoved),
		"failed":      res.Count(scheduler.OutcomeFailed),
		"drained":     res.Drained,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
