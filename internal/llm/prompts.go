package llm

import (
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/database"
	"github.com/querypilot/querypilot/internal/retrieval"
)

const generateSystemPrompt = `You are an expert SQL query generator. Convert natural language questions into syntactically correct SQL.
Output ONLY the SQL query: no markdown, no commentary.
If the question cannot be answered from the schema without more information, reply with "CLARIFY: <your question>".`

const explainSystemPrompt = "You are a SQL expert who explains queries to non-technical users."

func generatePrompt(question string, schema database.Schema, examples []retrieval.Example) string {
	var b strings.Builder
	b.WriteString("DATABASE SCHEMA:\n")
	b.WriteString(schema.PromptText())
	b.WriteString("\n")

	if len(examples) > 0 {
		b.WriteString("\nSIMILAR EXAMPLES:\n")
		for i, example := range examples {
			fmt.Fprintf(&b, "\nExample %d:\nQuestion: %s\nSQL: %s\n", i+1, example.Question, example.SQL)
		}
	}

	fmt.Fprintf(&b, "\nUSER QUESTION:\n%s\n", strings.TrimSpace(question))
	b.WriteString(`
RULES:
1. Output ONLY the SQL query.
2. For a single concrete value use the = operator, not BETWEEN or a range, unless a range is asked for.
3. Match categorical values exactly as they appear in the schema, including capitalization.
4. Use only tables and columns that exist in the schema.
5. Do not add conditions that were not requested.

SQL:`)
	return b.String()
}

func explainPrompt(sql, question string) string {
	return fmt.Sprintf(`Explain the following SQL query in simple terms.

USER QUESTION:
%s

SQL QUERY:
%s

Write 2-4 sentences covering the data retrieved and any filters, joins or groupings.
Do not repeat the SQL itself.

EXPLANATION:`, strings.TrimSpace(question), sql)
}

func correctPrompt(sql, errMsg, question string, schema database.Schema) string {
	return fmt.Sprintf(`Fix this SQL query that produced an error.

DATABASE SCHEMA:
%s

USER QUESTION:
%s

FAILED SQL:
%s

ERROR MESSAGE:
%s

Check column and table names against the schema, data type comparisons, syntax and join conditions.
Return ONLY the corrected SQL query. If the query cannot be fixed, reply with "CLARIFY: <reason>".

CORRECTED SQL:`, schema.PromptText(), strings.TrimSpace(question), sql, strings.TrimSpace(errMsg))
}

func refinePrompt(sql, question string, schema database.Schema) string {
	return fmt.Sprintf(`Review this SQL query and refine it if needed.

DATABASE SCHEMA:
%s

ORIGINAL QUESTION:
%s

GENERATED SQL:
%s

Check that it answers the question, uses only tables and columns from the schema, and avoids needless work.
If the SQL is already correct, return it unchanged. Return ONLY the SQL query.

REFINED SQL:`, schema.PromptText(), strings.TrimSpace(question), sql)
}
