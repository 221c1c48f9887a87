package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/andreyvit/objstore"
	"github.com/andreyvit/objstore/client"
)

type cmdDemo struct{}

type cmdAdd struct {
	JSON string `name:"json" required:"" help:"Record to insert, as a JSON object."`
}

type cmdGet struct {
	Key string `required:"" help:"Primary key (JSON, or a plain string)."`
}

type cmdAll struct{}

type cmdScan struct{}

type cmdIndexGet struct {
	Index string `required:"" help:"Index name."`
	Value string `required:"" help:"Index value (JSON, or a plain string)."`
}

type cmdIndexScan struct {
	Index    string `required:"" help:"Index name."`
	Value    string `required:"" help:"Index value (JSON, or a plain string)."`
	Page     int    `default:"0" help:"1-based page number; 0 returns every match."`
	PageSize int    `default:"10" help:"Records per page."`
}

type cmdDatabases struct{}

type cliArgs struct {
	Path      string `env:"OBJSTORE_PATH" help:"Database file (bolt) or directory (pebble)."`
	Backend   string `env:"OBJSTORE_BACKEND" enum:"bolt,pebble,memory" default:"bolt" help:"Storage backend: bolt, pebble or memory."`
	DB        string `name:"db" default:"class" help:"Database name."`
	Version   uint64 `default:"1" help:"Database version to open."`
	Store     string `default:"users" help:"Object store name."`
	Verbose   bool   `short:"v" help:"Log every storage operation on stderr."`
	LogFormat string `enum:"console,json" default:"console" help:"Log format: console or json."`

	Demo      cmdDemo      `cmd:"" help:"Replay the tutorial: insert a record and read it back every way."`
	Add       cmdAdd       `cmd:"" help:"Insert a record."`
	Get       cmdGet       `cmd:"" help:"Get a record by primary key."`
	All       cmdAll       `cmd:"" help:"Get all records."`
	Scan      cmdScan      `cmd:"" help:"Iterate over all records with a cursor."`
	IndexGet  cmdIndexGet  `cmd:"" name:"index-get" help:"Get the first record with the given index value."`
	IndexScan cmdIndexScan `cmd:"" name:"index-scan" help:"Iterate over records with the given index value, optionally paged."`
	Databases cmdDatabases `cmd:"" help:"List databases and their versions."`
}

// CliConfig contains the configuration for the objstore cli.
type CliConfig struct {
	Name        string
	Description string
	Exit        func(int)
	Stdout      io.Writer
	Stderr      io.Writer
	Now         func() time.Time
}

// NewCliConfig returns a CliConfig bound to the process stdio.
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "objstore",
		Description: "Exercise an embedded IndexedDB-style object store.",
		Exit:        func(i int) { os.Exit(i) },
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Now:         time.Now,
	}
}

// Cli parses args and runs the selected subcommand. Takes the arguments
// explicitly so that tests can drive it.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	var cli cliArgs
	parser, err := kong.New(&cli,
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
	)
	if err != nil {
		return 1, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return 2, err
	}

	logger := newLogger(config.Stderr, cli.LogFormat, cli.Verbose)
	logf := func(format string, args ...any) {
		logger.Info().Msgf(format, args...)
	}

	factory, err := openFactory(cli.Backend, cli.Path, objstore.Options{
		Logf:    logf,
		Verbose: cli.Verbose,
		Now:     config.Now,
	})
	if err != nil {
		return 1, err
	}
	defer func() {
		if cerr := factory.Close(); cerr != nil && err == nil {
			rc, err = 1, cerr
		}
	}()

	r := &runner{
		cli:    &cli,
		client: client.New(factory, client.Options{Migrations: schemaMigrations(cli.Store), Logf: logf, Verbose: cli.Verbose}),
		out:    json.NewEncoder(config.Stdout),
		log:    logger,
	}
	r.out.SetEscapeHTML(false)

	cmd := kctx.Command()
	logger.Debug().Str("cmd", cmd).Str("backend", cli.Backend).Msg("running")
	if cmd == "databases" {
		err = r.databases()
	} else {
		err = r.withDB(func(db *objstore.DB) error {
			switch cmd {
			case "demo":
				return r.demo(db)
			case "add":
				return r.add(db, cli.Add.JSON)
			case "get":
				return r.get(db, cli.Get.Key)
			case "all":
				return r.all(db)
			case "scan":
				return r.scan(db)
			case "index-get":
				return r.indexGet(db, cli.IndexGet.Index, cli.IndexGet.Value)
			case "index-scan":
				return r.indexScan(db, cli.IndexScan.Index, cli.IndexScan.Value, cli.IndexScan.Page, cli.IndexScan.PageSize)
			default:
				return fmt.Errorf("unknown command %q", cmd)
			}
		})
	}
	if err != nil {
		logger.Error().Err(err).Str("cmd", cmd).Msg("failed")
		return 1, err
	}
	return 0, nil
}

func newLogger(w io.Writer, format string, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if format == "json" {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

func openFactory(backend, path string, opt objstore.Options) (*objstore.Factory, error) {
	switch backend {
	case "memory":
		return objstore.OpenMemory(opt), nil
	case "pebble":
		if path == "" {
			path = "objstore.pebble"
		}
		return objstore.OpenPebble(path, opt)
	case "bolt", "":
		if path == "" {
			path = "objstore.db"
		}
		return objstore.OpenBolt(path, opt)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

type runner struct {
	cli    *cliArgs
	client *client.Client
	out    *json.Encoder
	log    zerolog.Logger
}

func (r *runner) withDB(f func(db *objstore.DB) error) error {
	ctx := context.Background()
	db, err := r.client.Open(ctx, r.cli.DB, r.cli.Version).Wait(ctx)
	if err != nil {
		return err
	}
	defer r.client.Close(db)
	return f(db)
}

type output struct {
	Op     string `json:"op"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (r *runner) emit(op string, result any) error {
	return r.out.Encode(output{Op: op, Result: result})
}

func (r *runner) add(db *objstore.DB, raw string) error {
	var rec objstore.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("--json: %w", err)
	}
	ctx := context.Background()
	key, err := r.client.Insert(ctx, db, r.cli.Store, rec).Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit("insert", key)
}

func (r *runner) get(db *objstore.DB, key string) error {
	ctx := context.Background()
	rec, err := r.client.GetByKey(ctx, db, r.cli.Store, parseValue(key)).Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit("getByKey", rec)
}

func (r *runner) all(db *objstore.DB) error {
	ctx := context.Background()
	recs, err := r.client.GetAll(ctx, db, r.cli.Store).Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit("getAll", recs)
}

func (r *runner) scan(db *objstore.DB) error {
	ctx := context.Background()
	recs, err := r.client.IterateAll(ctx, db, r.cli.Store).Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit("iterateAll", recs)
}

func (r *runner) indexGet(db *objstore.DB, index, value string) error {
	ctx := context.Background()
	rec, err := r.client.GetByIndex(ctx, db, r.cli.Store, index, parseValue(value)).Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit("getByIndex", rec)
}

func (r *runner) indexScan(db *objstore.DB, index, value string, page, pageSize int) error {
	ctx := context.Background()
	var req *client.Request[[]objstore.Record]
	op := "iterateByIndex"
	if page == 0 {
		req = r.client.IterateByIndex(ctx, db, r.cli.Store, index, parseValue(value))
	} else {
		op = "iterateByIndexPaged"
		req = r.client.IterateByIndexPaged(ctx, db, r.cli.Store, index, parseValue(value), page, pageSize)
	}
	recs, err := req.Wait(ctx)
	if err != nil {
		return err
	}
	return r.emit(op, recs)
}

func (r *runner) databases() error {
	dbs, err := r.client.Factory().Databases()
	if err != nil {
		return err
	}
	type info struct {
		Name    string `json:"name"`
		Version uint64 `json:"version"`
	}
	result := make([]info, 0, len(dbs))
	for _, d := range dbs {
		result = append(result, info{d.Name, d.Version})
	}
	return r.emit("databases", result)
}

// demo replays the tutorial. Issuing every read before waiting on any of
// them mirrors the callback style of the original walkthrough.
func (r *runner) demo(db *objstore.DB) error {
	ctx := context.Background()
	c, store := r.client, r.cli.Store
	rec := demoRecord()

	key, err := c.Insert(ctx, db, store, rec).Wait(ctx)
	switch {
	case err == nil:
		if err := r.emit("insert", key); err != nil {
			return err
		}
	case errors.Is(err, client.ErrWriteFailed) && errors.Is(err, objstore.ErrConstraint):
		r.log.Warn().Err(err).Msg("record already exists")
		if err := r.out.Encode(output{Op: "insert", Error: err.Error()}); err != nil {
			return err
		}
	default:
		return err
	}

	byKey := c.GetByKey(ctx, db, store, rec["uuid"])
	all := c.GetAll(ctx, db, store)
	iter := c.IterateAll(ctx, db, store)
	byIndex := c.GetByIndex(ctx, db, store, "age", rec["age"])
	byName := c.IterateByIndex(ctx, db, store, "name", rec["name"])
	paged := c.IterateByIndexPaged(ctx, db, store, "name", rec["name"], 2, 10)

	steps := []struct {
		op   string
		wait func() (any, error)
	}{
		{"getByKey", func() (any, error) { return byKey.Wait(ctx) }},
		{"getAll", func() (any, error) { return all.Wait(ctx) }},
		{"iterateAll", func() (any, error) { return iter.Wait(ctx) }},
		{"getByIndex", func() (any, error) { return byIndex.Wait(ctx) }},
		{"iterateByIndex", func() (any, error) { return byName.Wait(ctx) }},
		{"iterateByIndexPaged", func() (any, error) { return paged.Wait(ctx) }},
	}
	var failed []string
	for _, step := range steps {
		v, err := step.wait()
		if err != nil {
			failed = append(failed, step.op)
			if err := r.out.Encode(output{Op: step.op, Error: err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := r.emit(step.op, v); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("demo: failed steps: %s", strings.Join(failed, ", "))
	}
	return nil
}

// parseValue parses a command-line key or value as JSON, falling back to
// the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
