package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/wessley-diagnostics/engine/safety"
)

// kindArg validates the plural entity kind used in API paths.
func kindArg(kind string) (string, error) {
	switch kind {
	case "node", "nodes":
		return "nodes", nil
	case "edge", "edges":
		return "edges", nil
	}
	return "", fmt.Errorf("unknown kind %q: want nodes or edges", kind)
}

func newModerateCmd(g *globals, action, short string) *cobra.Command {
	var (
		reason  string
		version int64
	)
	cmd := &cobra.Command{
		Use:   action + " <nodes|edges> <id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			if action == "deprecate" && reason == "" {
				return fmt.Errorf("deprecate requires --reason")
			}
			body := map[string]any{"actor": g.client.actor, "reason": reason}
			if version > 0 {
				body["expected_version"] = version
			}
			var out map[string]any
			path := "/api/admin/" + kind + "/" + args[1] + "/" + action
			if err := g.client.do(cmd.Context(), http.MethodPost, path, nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit history")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail unless the entity is at this version")
	return cmd
}

func newSubmitCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "submit <node|edge> <file>",
		Short: "Submit a node or edge from a YAML or JSON file for review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var entity map[string]any
			if err := yaml.Unmarshal(data, &entity); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}
			field := kind[:len(kind)-1]
			body := map[string]any{field: entity, "actor": g.client.actor, "reason": reason}
			var out map[string]any
			if err := g.client.do(cmd.Context(), http.MethodPost, "/api/admin/"+kind, nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit history")
	return cmd
}

func newGetCmd(g *globals) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "get <node|edge> <id>",
		Short: "Show a node or edge, optionally as of an RFC 3339 time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			var query map[string]string
			if asOf != "" {
				query = map[string]string{"as_of": asOf}
			}
			var out map[string]any
			if err := g.client.do(cmd.Context(), http.MethodGet, "/api/"+kind+"/"+args[1], query, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "read the version valid at this time")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <node|edge> <id>",
		Short: "Show the audit history of a node or edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args[0])
			if err != nil {
				return err
			}
			var out map[string]any
			if err := g.client.do(cmd.Context(), http.MethodGet, "/api/"+kind+"/"+args[1]+"/history", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newLearnCmd(g *globals) *cobra.Command {
	learn := &cobra.Command{
		Use:   "learn",
		Short: "Run or verify learning batches",
	}

	var (
		edges []string
		limit int
	)
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending feedback and truth labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"edge_ids": edges, "limit": limit}
			var out map[string]any
			if err := g.client.do(cmd.Context(), http.MethodPost, "/api/admin/learning/apply", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	apply.Flags().StringSliceVar(&edges, "edge", nil, "restrict the batch to these edge ids")
	apply.Flags().IntVar(&limit, "limit", 0, "maximum events per batch (0 is unlimited)")

	var reproject bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Replay the adjustment ledger and report drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Drifts   []map[string]any `json:"drifts"`
				Repaired int              `json:"repaired"`
			}
			body := map[string]bool{"reproject": reproject}
			if err := g.client.do(cmd.Context(), http.MethodPost, "/api/admin/learning/verify", nil, body, &out); err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if len(out.Drifts) > out.Repaired {
				return fmt.Errorf("%d edges drifted from the ledger", len(out.Drifts)-out.Repaired)
			}
			return nil
		},
	}
	verify.Flags().BoolVar(&reproject, "reproject", false, "repair drifted edges from the ledger")

	learn.AddCommand(apply, verify)
	return learn
}

func newDiagnoseCmd(g *globals) *cobra.Command {
	var (
		dtcs      []string
		symptoms  []string
		vehicleID string
		threshold float64
		limit     int
		related   bool
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose [observable ids...]",
		Short: "Rank likely faults for a set of observables, DTCs and symptoms",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"observable_ids":  args,
				"dtc_codes":       dtcs,
				"symptoms":        symptoms,
				"include_related": related,
				"force_diagnosis": force,
			}
			if vehicleID != "" {
				body["vehicle"] = map[string]string{"vehicle_id": vehicleID}
			}
			if cmd.Flags().Changed("threshold") {
				body["confidence_threshold"] = threshold
			}
			if limit > 0 {
				body["limit"] = limit
			}
			var out map[string]any
			if err := g.client.do(cmd.Context(), http.MethodPost, "/api/diagnose", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&dtcs, "dtc", nil, "diagnostic trouble codes")
	cmd.Flags().StringArrayVar(&symptoms, "symptom", nil, "free-text symptom (repeatable)")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id for engine family boosts")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum candidate score")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum candidates")
	cmd.Flags().BoolVar(&related, "related", false, "include root causes, actions and parts")
	cmd.Flags().BoolVar(&force, "force", false, "diagnose even when the safety gate blocks sales")
	return cmd
}

func newSafetyCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "safety",
		Short: "Safety trigger catalog tools",
	}
	s.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check a trigger catalog; with no file the built-in catalog is checked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			ev, err := safety.LoadFile(path)
			if err != nil {
				return err
			}
			triggers := ev.Triggers()
			w := cmd.OutOrStdout()
			for _, t := range triggers {
				fmt.Fprintf(w, "%-24s %-9s priority=%-4d block_sales=%t\n", t.ID, t.Severity, t.Priority, t.BlockSales)
			}
			fmt.Fprintf(w, "%d triggers OK\n", len(triggers))
			return nil
		},
	})
	return s
}
