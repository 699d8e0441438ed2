// Command diagctl is the operator CLI for the diagnosis API: moderation,
// catalog submissions, learning batches and trigger catalog checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	apiURL  string
	token   string
	actor   string
	timeout time.Duration
	client  *apiClient
}

func newRootCmd() *cobra.Command { return rootCmd(&globals{}) }

// rootCmd builds the command tree. A preset g.client is kept.
func rootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:          "diagctl",
		Short:        "Operate the diagnosis knowledge graph",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if g.client == nil {
				g.client = newAPIClient(g.apiURL, g.token, g.actor, g.timeout)
			}
		},
	}
	root.PersistentFlags().StringVar(&g.apiURL, "api", envOr("DIAG_API_URL", "http://localhost:8080"), "diagnosis API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("ADMIN_TOKEN"), "admin bearer token")
	root.PersistentFlags().StringVar(&g.actor, "actor", envOr("USER", "diagctl"), "actor recorded in the audit history")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newModerateCmd(g, "approve", "Approve a pending node or edge"),
		newModerateCmd(g, "reject", "Reject a pending node or edge"),
		newModerateCmd(g, "deprecate", "Deprecate an active node or edge"),
		newSubmitCmd(g),
		newGetCmd(g),
		newHistoryCmd(g),
		newLearnCmd(g),
		newDiagnoseCmd(g),
		newSafetyCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiClient wraps the diagnosis API's JSON endpoints.
type apiClient struct {
	http  *resty.Client
	actor string
}

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func newAPIClient(base, token, actor string, timeout time.Duration) *apiClient {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Actor", actor)
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &apiClient{http: rc, actor: actor}
}

// do sends body (when non-nil) and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	var failure apiError
	req := c.http.R().SetContext(ctx).SetError(&failure).SetQueryParams(query)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("diagctl: %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		if failure.RequestID != "" {
			msg += " (request " + failure.RequestID + ")"
		}
		return fmt.Errorf("diagctl: %s %s: %d: %s", method, path, resp.StatusCode(), msg)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
