package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/entityres/internal/events"
	"github.com/scrypster/entityres/internal/service"
	"github.com/scrypster/entityres/pkg/types"
)

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	// Hand events to a running server, if any, through the spool.
	if cfg.EventSpool != "" {
		a.fanout.Add(events.NewSpool(cfg.EventSpool))
	}
	return fn(ctx, a)
}

var (
	resolveType    string
	resolveCaller  string
	resolveSignals map[string]string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <query>",
	Short: "Resolve a free-text reference against the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			signals := make(types.Signals, len(resolveSignals))
			for k, v := range resolveSignals {
				signals[types.SignalKey(k)] = v
			}
			out, err := a.svc.Resolve(ctx, service.ResolveRequest{
				Query:         args[0],
				EntityType:    resolveType,
				Signals:       signals,
				CallerContext: resolveCaller,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var (
	registerType       string
	registerAliases    []string
	registerSource     string
	registerConfidence float64
)

var registerCmd = &cobra.Command{
	Use:   "register <canonical name>",
	Short: "Register a canonical entity, returning the existing one if it is a duplicate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := service.RegisterRequest{
			CanonicalName: args[0],
			EntityType:    registerType,
			Aliases:       registerAliases,
		}
		if registerSource != "" {
			system, id, ok := strings.Cut(registerSource, ":")
			if !ok {
				return fmt.Errorf("--source must be system:id, got %q", registerSource)
			}
			req.Binding = &types.SourceBinding{System: system, SourceID: id}
		}
		if cmd.Flags().Changed("confidence") {
			req.Confidence = &registerConfidence
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, created, err := a.svc.RegisterEntity(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"entity": e, "created": created})
			}
			if created {
				fmt.Fprintln(cmd.OutOrStdout(), green("created"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), yellow("already registered"))
			}
			printEntity(cmd.OutOrStdout(), e)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <entity id>",
	Short: "Show an entity and its confidence history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := a.svc.GetEntity(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := a.svc.ConfidenceHistory(ctx, e.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"entity": e, "history": history})
			}
			printEntity(cmd.OutOrStdout(), e)
			for _, c := range history {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-20s %.4f -> %.4f\n",
					gray(c.CreatedAt.Format("2006-01-02 15:04:05")), c.Reason, c.Before, c.After)
			}
			return nil
		})
	},
}

var (
	ambiguousBelow float64
	ambiguousLimit int
	ambiguousXLSX  string
)

var ambiguousCmd = &cobra.Command{
	Use:   "ambiguous",
	Short: "List active entities whose confidence is below a threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			es, err := a.svc.ListAmbiguous(ctx, ambiguousBelow, ambiguousLimit)
			if err != nil {
				return err
			}
			if ambiguousXLSX != "" {
				return writeXLSX(cmd, ambiguousXLSX, es)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), es)
			}
			if len(es) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no entities below threshold"))
			}
			for _, e := range es {
				fmt.Fprintf(cmd.OutOrStdout(), "%.4f  %s  %s [%s]\n", e.Confidence, e.ID, e.CanonicalName, e.Type)
			}
			return nil
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the candidate index from the registry and report its size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.svc.Reindex(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int{"indexed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entities\n", n)
			return nil
		})
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveType, "type", "", "entity type hint (company, person, property, customer)")
	resolveCmd.Flags().StringVar(&resolveCaller, "caller", "", "caller context for session reuse")
	resolveCmd.Flags().StringToStringVar(&resolveSignals, "signal", nil, "auxiliary signal key=value (domain, email_domain, email, phone, location)")

	registerCmd.Flags().StringVar(&registerType, "type", "", "entity type (required)")
	registerCmd.Flags().StringSliceVar(&registerAliases, "alias", nil, "additional alias (repeatable)")
	registerCmd.Flags().StringVar(&registerSource, "source", "", "source binding as system:id")
	registerCmd.Flags().Float64Var(&registerConfidence, "confidence", 0, "initial confidence in [0,1]")
	_ = registerCmd.MarkFlagRequired("type")

	ambiguousCmd.Flags().Float64Var(&ambiguousBelow, "below", 0.5, "confidence threshold")
	ambiguousCmd.Flags().IntVar(&ambiguousLimit, "limit", 50, "maximum entities to list")
	ambiguousCmd.Flags().StringVar(&ambiguousXLSX, "xlsx", "", "write the list to an Excel workbook at this path")

	rootCmd.AddCommand(resolveCmd, registerCmd, getCmd, ambiguousCmd, reindexCmd)
}
