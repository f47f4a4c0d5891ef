package querypilotctl

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type askFlags struct {
	schemaID  string
	topK      int
	noRAG     bool
	noCorrect bool
	refine    bool
	explain   bool
	sqlOnly   bool
	table     bool
}

// askPayload mirrors the server's ask request. Unset pointers keep the
// server defaults.
type askPayload struct {
	Question    string `json:"question"`
	SchemaID    string `json:"schema_id,omitempty"`
	TopK        *int   `json:"top_k,omitempty"`
	UseRAG      *bool  `json:"use_rag,omitempty"`
	AutoCorrect *bool  `json:"auto_correct,omitempty"`
	Refine      *bool  `json:"refine,omitempty"`
	Explain     *bool  `json:"explain,omitempty"`
}

type askResult struct {
	RequestID          string   `json:"request_id"`
	Question           string   `json:"question"`
	SQL                string   `json:"sql"`
	Explanation        string   `json:"explanation"`
	Columns            []string `json:"columns"`
	Rows               [][]any  `json:"rows"`
	RowCount           int      `json:"row_count"`
	CorrectionAttempts int      `json:"correction_attempts"`
	Provenance         string   `json:"provenance"`
	Clarification      string   `json:"clarification"`
	Failure            *struct {
		Stage   string `json:"stage"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"failure"`
}

func (f askFlags) payload(cmd *cobra.Command, question string) askPayload {
	p := askPayload{Question: question, SchemaID: strings.TrimSpace(f.schemaID)}
	if cmd.Flags().Changed("top-k") {
		topK := f.topK
		p.TopK = &topK
	}
	if f.noRAG {
		p.UseRAG = boolPtr(false)
	}
	if f.noCorrect {
		p.AutoCorrect = boolPtr(false)
	}
	if cmd.Flags().Changed("refine") {
		p.Refine = boolPtr(f.refine)
	}
	if cmd.Flags().Changed("explain") {
		p.Explain = boolPtr(f.explain)
	}
	return p
}

func (f *askFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.schemaID, "schema-id", "", "schema to generate against")
	cmd.Flags().IntVar(&f.topK, "top-k", 0, "number of similar examples to retrieve")
	cmd.Flags().BoolVar(&f.noRAG, "no-rag", false, "do not retrieve similar examples")
	cmd.Flags().BoolVar(&f.noCorrect, "no-correct", false, "do not correct failing SQL")
	cmd.Flags().BoolVar(&f.refine, "refine", false, "ask the model to refine the SQL")
	cmd.Flags().BoolVar(&f.explain, "explain", false, "ask the model to explain the SQL")
}

func newAskCommand(newClient func() *apiClient) *cobra.Command {
	flags := &askFlags{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Generate and run SQL for a question",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &usageError{message: "ask requires a question"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return &usageError{message: "question is required"}
			}
			status, body, err := newClient().do(cmd.Context(), http.MethodPost, "/v1/ask", flags.payload(cmd, question))
			if err != nil {
				return err
			}
			if status >= 400 && status != http.StatusUnprocessableEntity {
				return &httpError{StatusCode: status, Body: strings.TrimSpace(string(body))}
			}

			var result askResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("decode ask response: %w", err)
			}
			out := cmd.OutOrStdout()
			switch {
			case flags.sqlOnly:
				_, _ = fmt.Fprintln(out, result.SQL)
			case flags.table:
				writeTable(out, result)
			default:
				if err := writeBody(out, body); err != nil {
					return err
				}
			}
			if result.Failure != nil {
				return fmt.Errorf("%s at %s: %s", result.Failure.Kind, result.Failure.Stage, result.Failure.Message)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.sqlOnly, "sql-only", false, "print only the generated SQL")
	cmd.Flags().BoolVar(&flags.table, "table", false, "print rows as an aligned table")
	return cmd
}

func writeTable(w io.Writer, result askResult) {
	_, _ = fmt.Fprintf(w, "-- %s\n%s\n\n", result.Provenance, result.SQL)
	if result.Clarification != "" {
		_, _ = fmt.Fprintln(w, result.Clarification)
		return
	}
	if result.Failure != nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(value)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", result.RowCount)
	if result.Explanation != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", result.Explanation)
	}
}

func newSchemaCommand(newClient func() *apiClient) *cobra.Command {
	var prompt bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show the database schema questions are answered against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/schema"
			if prompt {
				path += "?format=prompt"
			}
			body, err := newClient().expectOK(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if prompt {
				var payload struct {
					Prompt string `json:"prompt"`
				}
				if err := json.Unmarshal(body, &payload); err != nil {
					return fmt.Errorf("decode schema response: %w", err)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), payload.Prompt)
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().BoolVar(&prompt, "prompt", false, "print the schema as given to the model")
	return cmd
}

func newMetricsCommand(newClient func() *apiClient) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show pipeline counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, path := http.MethodGet, "/v1/metrics/snapshot"
			if reset {
				method, path = http.MethodPost, "/v1/metrics/reset"
			}
			body, err := newClient().expectOK(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the counters instead of showing them")
	return cmd
}

func newCacheCommand(newClient func() *apiClient) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Show result cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, path := http.MethodGet, "/v1/cache/stats"
			if purge {
				method, path = http.MethodDelete, "/v1/cache"
			}
			body, err := newClient().expectOK(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "drop every cached result")
	return cmd
}

type feedbackPayload struct {
	Question     string `json:"question"`
	SQL          string `json:"sql,omitempty"`
	Accepted     bool   `json:"accepted"`
	CorrectedSQL string `json:"corrected_sql,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
}

func newFeedbackCommand(newClient func() *apiClient) *cobra.Command {
	payload := &feedbackPayload{}
	var rejected bool
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Accept a question/SQL pair, or submit corrected SQL for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(payload.Question) == "" {
				return &usageError{message: "--question is required"}
			}
			if !rejected && strings.TrimSpace(payload.SQL) == "" && strings.TrimSpace(payload.CorrectedSQL) == "" {
				return &usageError{message: "--sql or --corrected-sql is required"}
			}
			request := *payload
			request.Accepted = !rejected
			body, err := newClient().expectOK(cmd.Context(), http.MethodPost, "/v1/feedback", request)
			if err != nil {
				return err
			}
			return writeBody(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&payload.Question, "question", "", "question the SQL answers")
	cmd.Flags().StringVar(&payload.SQL, "sql", "", "SQL that was generated")
	cmd.Flags().StringVar(&payload.CorrectedSQL, "corrected-sql", "", "SQL that correctly answers the question")
	cmd.Flags().StringVar(&payload.Explanation, "explanation", "", "optional explanation stored with the example")
	cmd.Flags().BoolVar(&rejected, "rejected", false, "mark the generated SQL as wrong")
	return cmd
}

func boolPtr(v bool) *bool {
	return &v
}
