// Package querypilotctl implements the querypilot HTTP client CLI.
package querypilotctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// usageError marks failures caused by how the command was invoked.
type usageError struct {
	message string
}

func (e *usageError) Error() string {
	return e.message
}

// Run executes one command and returns the process exit code: 0 on success,
// 1 when the request or the question failed, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	root := newRootCommand(defaults, stdin)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

type globalFlags struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func newRootCommand(defaults Options, stdin io.Reader) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "querypilotctl",
		Short:         "Ask questions of a querypilot server and operate it",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			if len(args) > 0 {
				return &usageError{message: fmt.Sprintf("unknown command %q", args[0])}
			}
			return &usageError{message: "a command is required"}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{message: err.Error()}
	})
	root.PersistentFlags().StringVar(&flags.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querypilot API base URL")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout per request")

	newClient := func() *apiClient {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: flags.timeout}
		}
		return &apiClient{
			http:    httpClient,
			baseURL: strings.TrimRight(strings.TrimSpace(flags.baseURL), "/"),
			apiKey:  strings.TrimSpace(flags.apiKey),
		}
	}

	root.AddCommand(
		newSimpleCommand("health", "Check that the server is up", http.MethodGet, "/v1/health", newClient),
		newSimpleCommand("ready", "Check that the server dependencies are reachable", http.MethodGet, "/v1/ready", newClient),
		newAskCommand(newClient),
		newBatchCommand(newClient, stdin),
		newSchemaCommand(newClient),
		newMetricsCommand(newClient),
		newCacheCommand(newClient),
		newFeedbackCommand(newClient),
	)
	return root
}

func newSimpleCommand(use, short, method, path string, newClient func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := newClient().expectOK(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		},
	}
}

type apiClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// httpError is a non-2xx response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *apiClient) expectOK(ctx context.Context, method, path string, payload any) ([]byte, error) {
	status, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &httpError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func writeBody(w io.Writer, raw []byte) error {
	if pretty, ok := prettyJSON(raw); ok {
		_, err := fmt.Fprintln(w, pretty)
		return err
	}
	if len(raw) > 0 {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	return nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
