package querypilotctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// batchLine is one JSON line of batch output, in input order.
type batchLine struct {
	Index       int    `json:"index"`
	Question    string `json:"question"`
	Status      int    `json:"status,omitempty"`
	SQL         string `json:"sql,omitempty"`
	RowCount    int    `json:"row_count"`
	Provenance  string `json:"provenance,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (l batchLine) ok() bool {
	return l.Error == "" && l.FailureKind == ""
}

func newBatchCommand(newClient func() *apiClient, stdin io.Reader) *cobra.Command {
	flags := &askFlags{}
	var (
		file        string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Ask every question in a file, one per line, concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if concurrency < 1 {
				return &usageError{message: "--concurrency must be at least 1"}
			}
			questions, err := readQuestions(file, stdin)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				return &usageError{message: "no questions to ask"}
			}

			lines, err := runBatch(cmd.Context(), newClient(), questions, concurrency, func(question string) askPayload {
				return flags.payload(cmd, question)
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, line := range lines {
				if !line.ok() {
					failed++
				}
				if err := encoder.Encode(line); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d questions, %d succeeded, %d failed\n", len(lines), len(lines)-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d questions failed", failed, len(lines))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "-", "file with one question per line, - for stdin")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "number of questions in flight")
	return cmd
}

// runBatch asks every question with at most concurrency requests in flight.
// Per-question failures are reported on their line; only cancellation of ctx
// aborts the batch.
func runBatch(ctx context.Context, client *apiClient, questions []string, concurrency int, payload func(string) askPayload) ([]batchLine, error) {
	lines := make([]batchLine, len(questions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, question := range questions {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			lines[i] = askOne(groupCtx, client, i, payload(question))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

func askOne(ctx context.Context, client *apiClient, index int, payload askPayload) batchLine {
	line := batchLine{Index: index, Question: payload.Question}
	status, body, err := client.do(ctx, http.MethodPost, "/v1/ask", payload)
	if err != nil {
		line.Error = err.Error()
		return line
	}
	line.Status = status
	if status >= 400 && status != http.StatusUnprocessableEntity {
		line.Error = strings.TrimSpace(string(body))
		return line
	}
	var result askResult
	if err := json.Unmarshal(body, &result); err != nil {
		line.Error = fmt.Sprintf("decode ask response: %v", err)
		return line
	}
	line.SQL = result.SQL
	line.RowCount = result.RowCount
	line.Provenance = result.Provenance
	if result.Failure != nil {
		line.FailureKind = result.Failure.Kind
	}
	return line
}

// readQuestions skips blank lines and lines starting with #.
func readQuestions(path string, stdin io.Reader) ([]string, error) {
	var reader io.Reader = stdin
	if path != "" && path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open questions file: %w", err)
		}
		defer func() { _ = file.Close() }()
		reader = file
	}
	var questions []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	return questions, nil
}
