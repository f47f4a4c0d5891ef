// Package examplepack reads and writes question/SQL example packs in YAML,
// JSON Lines and Parquet, from local files or the object store.
package examplepack

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/querypilot/querypilot/internal/retrieval"
)

type Format string

const (
	FormatYAML    Format = "yaml"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(p string) (Format, error) {
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported example pack extension %q", path.Ext(p))
	}
}

// record is the on-disk shape shared by every format.
type record struct {
	Question    string `yaml:"question" json:"question" parquet:"question"`
	SQL         string `yaml:"sql" json:"sql" parquet:"sql"`
	Explanation string `yaml:"explanation,omitempty" json:"explanation,omitempty" parquet:"explanation,optional"`
	Source      string `yaml:"source,omitempty" json:"source,omitempty" parquet:"source,optional"`
}

type yamlPack struct {
	Examples []record `yaml:"examples"`
}

func Decode(format Format, r io.Reader) ([]retrieval.Example, error) {
	var (
		records []record
		err     error
	)
	switch format {
	case FormatYAML:
		records, err = decodeYAML(r)
	case FormatJSONL:
		records, err = decodeJSONL(r)
	case FormatParquet:
		records, err = decodeParquet(r)
	default:
		return nil, fmt.Errorf("unsupported example pack format %q", format)
	}
	if err != nil {
		return nil, err
	}
	examples := make([]retrieval.Example, 0, len(records))
	for _, rec := range records {
		examples = append(examples, retrieval.Example{
			Question:    strings.TrimSpace(rec.Question),
			SQL:         strings.TrimSpace(rec.SQL),
			Explanation: strings.TrimSpace(rec.Explanation),
			Source:      rec.Source,
		})
	}
	return examples, nil
}

func Encode(format Format, w io.Writer, examples []retrieval.Example) error {
	records := make([]record, 0, len(examples))
	for _, example := range examples {
		records = append(records, record{
			Question:    example.Question,
			SQL:         example.SQL,
			Explanation: example.Explanation,
			Source:      example.Source,
		})
	}
	switch format {
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(yamlPack{Examples: records}); err != nil {
			return fmt.Errorf("encode yaml pack: %w", err)
		}
		return encoder.Close()
	case FormatJSONL:
		encoder := json.NewEncoder(w)
		for _, rec := range records {
			if err := encoder.Encode(rec); err != nil {
				return fmt.Errorf("encode jsonl record: %w", err)
			}
		}
		return nil
	case FormatParquet:
		writer := parquet.NewGenericWriter[record](w)
		if _, err := writer.Write(records); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported example pack format %q", format)
	}
}

func decodeYAML(r io.Reader) ([]record, error) {
	var pack yamlPack
	if err := yaml.NewDecoder(r).Decode(&pack); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode yaml pack: %w", err)
	}
	return pack.Examples, nil
}

func decodeJSONL(r io.Reader) ([]record, error) {
	var records []record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("decode jsonl line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl pack: %w", err)
	}
	return records, nil
}

// decodeParquet buffers the whole file because the footer is read first.
func decodeParquet(r io.Reader) ([]record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read parquet pack: %w", err)
	}
	reader := parquet.NewGenericReader[record](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	records := make([]record, reader.NumRows())
	if len(records) == 0 {
		return nil, nil
	}
	count, err := reader.Read(records)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return records[:count], nil
}
