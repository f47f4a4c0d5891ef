package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("querypilot-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Database.Driver != DriverDuckDB || cfg.Database.RowLimit != 500 {
		t.Fatalf("Database = %+v", cfg.Database)
	}
	if cfg.Database.SchemaTTL != 5*time.Minute {
		t.Fatalf("Database.SchemaTTL = %s", cfg.Database.SchemaTTL)
	}
	if cfg.Examples.Backend != BackendMemory || cfg.Examples.MaxK != 5 || !cfg.Examples.AutoSave {
		t.Fatalf("Examples = %+v", cfg.Examples)
	}
	if cfg.RateLimit.MinInterval != 2*time.Second || cfg.RateLimit.MaxCalls != 30 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Pipeline.CacheCapacity != 100 || cfg.Pipeline.MaxCorrections != 1 || !cfg.Pipeline.AutoCorrect {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.AllowMutatingSQL {
		t.Fatal("Pipeline.AllowMutatingSQL should default to false")
	}
	if cfg.Pipeline.RunTimeout != 3*time.Minute {
		t.Fatalf("Pipeline.RunTimeout = %s", cfg.Pipeline.RunTimeout)
	}
	if cfg.AI.GenerateTemperature != 0.1 || cfg.AI.ExplainTemperature != 0.3 {
		t.Fatalf("AI temperatures = %+v", cfg.AI)
	}
	if cfg.AI.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
}

func TestLoadProfileDefaults(t *testing.T) {
	prod, err := Load("querypilot-api", mapLookup(map[string]string{"QUERYPILOT_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !prod.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if prod.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", prod.Observability.LogLevel)
	}
	if !prod.ObjectStore.UseSSL || prod.ObjectStore.AutoCreateBucket {
		t.Fatalf("ObjectStore = %+v", prod.ObjectStore)
	}

	test, err := Load("querypilot-api", mapLookup(map[string]string{"QUERYPILOT_PROFILE": "TEST"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if test.HTTP.Address != ":18080" || test.RateLimit.MinInterval != 0 {
		t.Fatalf("test profile = %+v / %+v", test.HTTP, test.RateLimit)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"QUERYPILOT_PROFILE":                 "test",
		"QUERYPILOT_SERVICE_NAME":            "querypilot-custom",
		"QUERYPILOT_HTTP_ADDR":               ":9999",
		"QUERYPILOT_HTTP_READ_TIMEOUT":       "2s",
		"QUERYPILOT_LOG_LEVEL":               "error",
		"QUERYPILOT_AUTH_REQUIRED":           "true",
		"QUERYPILOT_AUTH_STATIC_KEYS":        "k1:alice:query_reader",
		"QUERYPILOT_DB_DRIVER":               "Postgres",
		"QUERYPILOT_DB_DSN":                  "postgres://warehouse",
		"QUERYPILOT_DB_ROW_LIMIT":            "50",
		"QUERYPILOT_DB_SCHEMA_TTL":           "30s",
		"QUERYPILOT_DB_READ_ONLY":            "false",
		"QUERYPILOT_EXAMPLES_BACKEND":        "postgres",
		"QUERYPILOT_EXAMPLES_DSN":            "postgres://examples",
		"QUERYPILOT_EXAMPLES_MAX_K":          "8",
		"QUERYPILOT_EXAMPLES_MIN_SCORE":      "0.25",
		"QUERYPILOT_EXAMPLES_AUDIT":          "true",
		"QUERYPILOT_EXAMPLES_SEED":           "s3:packs/school.parquet",
		"QUERYPILOT_OBJECTSTORE_BUCKET":      "packs",
		"QUERYPILOT_AI_BASE_URL":             "https://api.example.com",
		"QUERYPILOT_AI_API_KEY":              "secret-key",
		"QUERYPILOT_AI_MODEL":                "llama-3.1-8b-instant",
		"QUERYPILOT_AI_TIMEOUT":              "21s",
		"QUERYPILOT_AI_EXPLAIN_TEMPERATURE":  "0.5",
		"QUERYPILOT_RATE_LIMIT_MIN_INTERVAL": "500ms",
		"QUERYPILOT_RATE_LIMIT_MAX_CALLS":    "10",
		"QUERYPILOT_CACHE_CAPACITY":          "7",
		"QUERYPILOT_MAX_CORRECTIONS":         "3",
		"QUERYPILOT_REFINE":                  "true",
		"QUERYPILOT_ALLOW_MUTATING_SQL":      "true",
		"QUERYPILOT_RETRIEVAL_TIMEOUT":       "750ms",
		"QUERYPILOT_RUN_TIMEOUT":             "90s",
	})
	cfg, err := Load("querypilot-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "querypilot-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:alice:query_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://warehouse" {
		t.Fatalf("Database = %+v", cfg.Database)
	}
	if cfg.Database.RowLimit != 50 || cfg.Database.SchemaTTL != 30*time.Second || cfg.Database.ReadOnly {
		t.Fatalf("Database = %+v", cfg.Database)
	}
	if cfg.Examples.Backend != BackendPostgres || cfg.Examples.MaxK != 8 || cfg.Examples.MinScore != 0.25 {
		t.Fatalf("Examples = %+v", cfg.Examples)
	}
	if !cfg.Examples.Audit {
		t.Fatal("Examples.Audit should be true")
	}
	if cfg.Examples.SeedSource != "s3:packs/school.parquet" || cfg.ObjectStore.Bucket != "packs" {
		t.Fatalf("seed = %q bucket = %q", cfg.Examples.SeedSource, cfg.ObjectStore.Bucket)
	}
	if cfg.AI.BaseURL != "https://api.example.com" || cfg.AI.APIKey != "secret-key" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Model != "llama-3.1-8b-instant" || cfg.AI.Timeout != 21*time.Second || cfg.AI.ExplainTemperature != 0.5 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.RateLimit.MinInterval != 500*time.Millisecond || cfg.RateLimit.MaxCalls != 10 {
		t.Fatalf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Pipeline.CacheCapacity != 7 || cfg.Pipeline.MaxCorrections != 3 || !cfg.Pipeline.Refine {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
	if !cfg.Pipeline.AllowMutatingSQL || cfg.Pipeline.RetrievalTimeout != 750*time.Millisecond || cfg.Pipeline.RunTimeout != 90*time.Second {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"QUERYPILOT_PROFILE": "oops"},
		{"QUERYPILOT_HTTP_READ_TIMEOUT": "NaN"},
		{"QUERYPILOT_DB_MAX_OPEN_CONNS": "oops"},
		{"QUERYPILOT_DB_DRIVER": "oracle"},
		{"QUERYPILOT_DB_DRIVER": "postgres", "QUERYPILOT_DB_DSN": ""},
		{"QUERYPILOT_EXAMPLES_BACKEND": "chroma"},
		{"QUERYPILOT_EXAMPLES_MIN_SCORE": "high"},
		{"QUERYPILOT_EXAMPLES_AUDIT": "true"},
		{"QUERYPILOT_AI_GENERATE_TEMPERATURE": "bad"},
		{"QUERYPILOT_CACHE_CAPACITY": "0"},
		{"QUERYPILOT_MAX_CORRECTIONS": "-1"},
		{"QUERYPILOT_RUN_TIMEOUT": "0s"},
		{"QUERYPILOT_AUTH_REQUIRED": "not-bool"},
		{"QUERYPILOT_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("querypilot-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
