package examplepack

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/retrieval"
	"github.com/querypilot/querypilot/internal/storage"
)

var (
	ErrPackExists       = errors.New("pack already exists")
	ErrChecksumMismatch = errors.New("pack checksum mismatch")
)

// Saver matches retrieval.Saver.
type Saver interface {
	Save(ctx context.Context, example retrieval.Example) (bool, error)
}

type Stats struct {
	Read    int `json:"read"`
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`
}

// Load reads a pack from a local file or, for remote locations, from objects.
func Load(ctx context.Context, loc storage.Location, objects storage.ObjectStore) ([]retrieval.Example, error) {
	format, err := FormatFromPath(loc.Path)
	if err != nil {
		return nil, err
	}
	if !loc.Remote {
		file, err := os.Open(loc.Path)
		if err != nil {
			return nil, fmt.Errorf("open pack %s: %w", loc, err)
		}
		defer func() { _ = file.Close() }()
		return Decode(format, file)
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is not configured for %s", loc)
	}
	info, err := objects.Stat(ctx, loc.Path)
	if err != nil {
		return nil, fmt.Errorf("stat pack %s: %w", loc, err)
	}
	body, err := objects.Get(ctx, loc.Path)
	if err != nil {
		return nil, fmt.Errorf("get pack %s: %w", loc, err)
	}
	defer func() { _ = body.Close() }()
	want := info.Metadata[storage.MetaSHA256]
	if want == "" {
		return Decode(format, body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read pack %s: %w", loc, err)
	}
	if got := checksum(data); got != want {
		return nil, fmt.Errorf("%w: %s has %s, recorded %s", ErrChecksumMismatch, loc, got, want)
	}
	return Decode(format, bytes.NewReader(data))
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write encodes examples to loc and returns the number of bytes written.
func Write(ctx context.Context, loc storage.Location, objects storage.ObjectStore, examples []retrieval.Example) (int64, error) {
	format, err := FormatFromPath(loc.Path)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := Encode(format, &buf, examples); err != nil {
		return 0, err
	}
	size := int64(buf.Len())
	if !loc.Remote {
		if dir := filepath.Dir(loc.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return 0, fmt.Errorf("create pack dir: %w", err)
			}
		}
		if err := os.WriteFile(loc.Path, buf.Bytes(), 0o644); err != nil {
			return 0, fmt.Errorf("write pack %s: %w", loc, err)
		}
		return size, nil
	}
	if objects == nil {
		return 0, fmt.Errorf("object store is not configured for %s", loc)
	}
	opts := storage.PutOptions{Metadata: map[string]string{
		storage.MetaPackFormat:   string(format),
		storage.MetaExampleCount: strconv.Itoa(len(examples)),
		storage.MetaSHA256:       checksum(buf.Bytes()),
	}}
	if _, err := objects.Put(ctx, loc.Path, &buf, size, opts); err != nil {
		return 0, fmt.Errorf("put pack %s: %w", loc, err)
	}
	return size, nil
}

// Export writes examples as Parquet under the dated packs/ prefix of the
// object store and returns the key it used.
func Export(ctx context.Context, objects storage.ObjectStore, name string, examples []retrieval.Example, now time.Time) (storage.Location, int64, error) {
	key, err := storage.BuildPackPath(name, string(FormatParquet), now)
	if err != nil {
		return storage.Location{}, 0, err
	}
	if objects == nil {
		return storage.Location{}, 0, fmt.Errorf("export %s: no object store configured", key)
	}
	if _, err := objects.Stat(ctx, key); err == nil {
		return storage.Location{}, 0, fmt.Errorf("%w: %s", ErrPackExists, key)
	} else if !errors.Is(err, storage.ErrObjectNotFound) {
		return storage.Location{}, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	loc := storage.Location{Remote: true, Path: key}
	size, err := Write(ctx, loc, objects, examples)
	if err != nil {
		return storage.Location{}, 0, err
	}
	return loc, size, nil
}

// PackInfo describes one pack object found by List. Examples is -1 when the
// object carries no example count.
type PackInfo struct {
	Location     storage.Location
	Format       Format
	Examples     int
	Size         int64
	LastModified time.Time
}

// ListStore is an object store that can also enumerate packs.
type ListStore interface {
	storage.ObjectStore
	storage.Lister
}

// List returns the packs exported under name (every pack when name is empty),
// newest first. Objects that are not packs are ignored.
func List(ctx context.Context, objects ListStore, name string) ([]PackInfo, error) {
	prefix, err := storage.PackPrefix(name)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		return nil, fmt.Errorf("list %s: no object store configured", prefix)
	}
	found, err := objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	packs := make([]PackInfo, 0, len(found))
	for _, obj := range found {
		format, err := FormatFromPath(obj.Key)
		if err != nil {
			continue
		}
		info, err := objects.Stat(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", obj.Key, err)
		}
		count := -1
		if raw, ok := info.Metadata[storage.MetaExampleCount]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				count = n
			}
		}
		packs = append(packs, PackInfo{
			Location:     storage.Location{Remote: true, Path: obj.Key},
			Format:       format,
			Examples:     count,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	slices.SortFunc(packs, func(a, b PackInfo) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}
		return strings.Compare(a.Location.Path, b.Location.Path)
	})
	return packs, nil
}

// Import saves each example through saver. Examples missing a question or SQL
// are counted as invalid; duplicates the saver declines are counted as
// skipped. Examples without a source are tagged as seed data.
func Import(ctx context.Context, examples []retrieval.Example, saver Saver) (Stats, error) {
	stats := Stats{Read: len(examples)}
	for _, example := range examples {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if strings.TrimSpace(example.Source) == "" {
			example.Source = retrieval.SourceSeed
		}
		if example.Validate() != nil {
			stats.Invalid++
			continue
		}
		added, err := saver.Save(ctx, example)
		if err != nil {
			return stats, fmt.Errorf("save example %q: %w", example.Question, err)
		}
		if added {
			stats.Added++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

// Lister is implemented by example stores that can enumerate their contents.
type Lister interface {
	All(ctx context.Context) ([]retrieval.Example, error)
}

// Dump reads every example currently in the store.
func Dump(ctx context.Context, lister Lister) ([]retrieval.Example, error) {
	examples, err := lister.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	return examples, nil
}
