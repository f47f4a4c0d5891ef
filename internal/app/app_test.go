package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/config"
)

func TestGatewayConfigMapsAISection(t *testing.T) {
	cfg := GatewayConfig(config.AIConfig{
		Timeout:             12 * time.Second,
		MaxTokens:           256,
		GenerateTemperature: 0.2,
		ExplainTemperature:  0.4,
		CorrectTemperature:  0.0,
		RefineTemperature:   0.1,
	})
	if cfg.Timeout != 12*time.Second || cfg.MaxTokens != 256 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.GenerateTemperature != 0.2 || cfg.ExplainTemperature != 0.4 || cfg.CorrectTemperature != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ExplainMaxTokens == 0 {
		t.Fatal("ExplainMaxTokens should keep its default")
	}

	defaults := GatewayConfig(config.AIConfig{})
	if defaults.Timeout != 30*time.Second || defaults.MaxTokens != 512 {
		t.Fatalf("defaults = %+v", defaults)
	}
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	if _, err := OpenDatabase(context.Background(), config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := OpenExamples(context.Background(), config.ExamplesConfig{Backend: "chroma"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	examples, err := OpenExamples(context.Background(), config.ExamplesConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("OpenExamples() error = %v", err)
	}
	if examples.DB != nil || examples.Store == nil {
		t.Fatalf("examples = %+v", examples)
	}
	if err := examples.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewSeedsMemoryStoreFromLocalPack(t *testing.T) {
	pack := filepath.Join(t.TempDir(), "school.yaml")
	content := `examples:
  - question: How many students are there?
    sql: SELECT COUNT(*) FROM students
  - question: How many students are there?
    sql: SELECT COUNT(*) FROM students
  - question: Average student age
    sql: SELECT AVG(age) FROM students
`
	if err := os.WriteFile(pack, []byte(content), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	cfg, err := config.Load("querypilot-api", func(key string) (string, bool) {
		values := map[string]string{
			"QUERYPILOT_PROFILE":       "test",
			"QUERYPILOT_AI_API_KEY":    "test-key",
			"QUERYPILOT_AI_BASE_URL":   "http://127.0.0.1:1",
			"QUERYPILOT_EXAMPLES_SEED": pack,
			"QUERYPILOT_DB_READ_ONLY":  "false",
		}
		value, ok := values[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = a.Close() }()

	count, err := a.Examples.Store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Count() = %d, want 2", count)
	}
	if a.Pipeline == nil || a.Database == nil {
		t.Fatal("expected pipeline and database")
	}
	if err := a.Database.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNewFailsWithoutAPIKey(t *testing.T) {
	cfg, err := config.Load("querypilot-api", func(key string) (string, bool) {
		if key == "QUERYPILOT_PROFILE" {
			return "test", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error without ai api key")
	}
}
