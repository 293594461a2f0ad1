// Command segment-preview validates a filter and previews the contacts it
// selects.
//
//	segment-preview --segment=<id>
//	segment-preview --audience=<id> --filter='{"version":1,"groups":[...]}'
//	segment-preview --filter=@filter.json --validate-only
//	segment-preview --filter=@filter.json --sql
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/repository/postgres"
	"github.com/ignite/automation-engine/internal/segmentation"
)

type options struct {
	configPath   string
	segmentID    string
	audienceID   string
	filter       string
	limit        int
	offset       int
	validateOnly bool
	printSQL     bool
}

var errInvalidFilter = errors.New("filter has validation errors")

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.StringVar(&opts.segmentID, "segment", "", "preview a stored segment")
	flag.StringVar(&opts.audienceID, "audience", "", "audience to preview an ad-hoc filter against")
	flag.StringVar(&opts.filter, "filter", "", "filter JSON, or @path to read it from a file")
	flag.IntVar(&opts.limit, "limit", segmentation.DefaultPreviewLimit, "contacts to list")
	flag.IntVar(&opts.offset, "offset", 0, "contacts to skip")
	flag.BoolVar(&opts.validateOnly, "validate-only", false, "validate the filter without touching the database")
	flag.BoolVar(&opts.printSQL, "sql", false, "print the compiled WHERE clause and arguments")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		if errors.Is(err, errInvalidFilter) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.segmentID == "" && opts.filter == "" {
		return errors.New("one of --segment or --filter is required")
	}

	var spec domain.FilterSpec
	if opts.filter != "" {
		raw, err := readFilter(opts.filter)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return fmt.Errorf("parse filter: %w", err)
		}
	}

	if opts.validateOnly || opts.printSQL {
		if opts.segmentID != "" {
			return errors.New("--validate-only and --sql take --filter, not --segment")
		}
		return describe(spec, opts, out)
	}

	if opts.segmentID == "" && opts.audienceID == "" {
		return errors.New("--audience is required with --filter")
	}

	cfg, err := config.LoadFromEnv(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.URL != "" {
		if ropts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			cache = redis.NewClient(ropts)
			defer cache.Close()
		}
	}

	engine := segmentation.NewEngine(postgres.New(db, nil), cache, cfg.Segmentation.CountCacheTTL())

	var preview *segmentation.Preview
	if opts.segmentID != "" {
		preview, err = engine.PreviewSegment(ctx, opts.segmentID, opts.limit, opts.offset)
	} else {
		preview, err = engine.Preview(ctx, opts.audienceID, spec, opts.limit, opts.offset)
	}
	if err != nil {
		return err
	}
	return writeJSON(out, preview)
}

// describe prints validation results and, with --sql, the compiled clause.
func describe(spec domain.FilterSpec, opts options, out io.Writer) error {
	problems := segmentation.Validate(spec)
	result := map[string]interface{}{
		"valid":       len(problems) == 0,
		"errors":      problems,
		"fingerprint": segmentation.Fingerprint(spec),
	}
	if opts.printSQL {
		where, args := segmentation.Render(segmentation.Compile(spec), 1)
		result["where"] = where
		result["args"] = args
	}
	if err := writeJSON(out, result); err != nil {
		return err
	}
	if len(problems) > 0 {
		return errInvalidFilter
	}
	return nil
}

func readFilter(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read filter: %w", err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
