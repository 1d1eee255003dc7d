package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/umputun/litebind/pkg/config"
	"github.com/umputun/litebind/pkg/secrets"
	"github.com/umputun/litebind/pkg/sqlite"
)

type options struct {
	DB         string `short:"d" long:"db" env:"LITEBIND_DB" description:"database file or uri"`
	Profile    string `short:"p" long:"profile" env:"LITEBIND_PROFILE" description:"connection profile file, yaml or toml"`
	ReadOnly   bool   `long:"read-only" description:"open database read-only"`
	Ext        bool   `short:"e" long:"ext" description:"install extension functions"`
	Key        string `short:"k" long:"key" env:"LITEBIND_SECRETS_KEY" description:"key to use for secrets encryption/decryption"`
	Concurrent int    `short:"c" long:"concurrent" default:"4" description:"concurrent integrity checks"`
	Table      bool   `short:"t" long:"table" description:"force table output"`
	Dbg        bool   `long:"dbg" description:"debug mode"`

	ExecCmd struct {
		PositionalArgs struct {
			SQL []string `positional-arg-name:"sql" required:"1" description:"statements to execute in one transaction"`
		} `positional-args:"yes"`
	} `command:"exec" description:"execute statements"`

	QueryCmd struct {
		PositionalArgs struct {
			SQL string `positional-arg-name:"sql" required:"yes" description:"query to run"`
		} `positional-args:"yes" positional-optional:"no"`
	} `command:"query" description:"run a query and print rows"`

	CheckCmd struct {
		PositionalArgs struct {
			Files []string `positional-arg-name:"files" required:"1" description:"database files to check"`
		} `positional-args:"yes"`
	} `command:"check" description:"run integrity check on database files"`

	SecretsCmd struct {
		SetCmd struct {
			PositionalArgs struct {
				Key   string `positional-arg-name:"key" description:"key to add"`
				Value string `positional-arg-name:"value" description:"value to add"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"set" description:"add a new secret"`

		GetCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to retrieve"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"get" description:"retrieve a secret"`

		DeleteCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to delete"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"del" description:"delete a secret"`

		ListCmd struct {
			PositionalArgs struct {
				KeyPrefix string `positional-arg-name:"key-prefix" default:"*" description:"key prefix to list"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"list" description:"list secrets keys"`
	} `command:"secrets" description:"manage secrets stored in the database"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Fprintf(os.Stderr, "litebind %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdout, opts.Table || term.IsTerminal(int(os.Stdout.Fd()))); err != nil {
		log.Printf("[ERROR] %v", err)
		exitFunc(1)
	}
}

// run dispatches the active command. Results go to out, table rendering is used when table is set.
func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer, table bool) error {
	switch cmd := activeCommand(p); cmd {
	case "exec":
		return withConn(opts, func(conn *sqlite.Conn) error { return execCmd(conn, opts.ExecCmd.PositionalArgs.SQL, out) })
	case "query":
		return withConn(opts, func(conn *sqlite.Conn) error { return queryCmd(conn, opts.QueryCmd.PositionalArgs.SQL, out, table) })
	case "check":
		return checkCmd(ctx, opts.CheckCmd.PositionalArgs.Files, opts.Concurrent, out)
	case "secrets set", "secrets get", "secrets del", "secrets list":
		if opts.Key == "" {
			return errors.New("secrets key is required, set --key or $LITEBIND_SECRETS_KEY")
		}
		return withConn(opts, func(conn *sqlite.Conn) error {
			sp, err := secrets.NewInternalProvider(conn, []byte(opts.Key))
			if err != nil {
				return fmt.Errorf("can't create secrets provider: %w", err)
			}
			return secretsCmd(sp, strings.TrimPrefix(cmd, "secrets "), opts, out)
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// activeCommand returns the names of the active command chain, e.g. "secrets set".
func activeCommand(p *flags.Parser) string {
	var names []string
	for c := p.Active; c != nil; c = c.Active {
		names = append(names, c.Name)
	}
	return strings.Join(names, " ")
}

// withConn opens the connection described by the profile (or by --db alone) and closes it after fn.
func withConn(opts options, fn func(conn *sqlite.Conn) error) (err error) {
	overrides := &config.Overrides{Path: opts.DB, ReadOnly: opts.ReadOnly}
	var prof *config.Profile
	if opts.Profile != "" {
		prof, err = config.Load(opts.Profile, overrides)
	} else {
		prof, err = config.New(opts.DB, overrides)
	}
	if err != nil {
		return err
	}
	if opts.Ext {
		prof.Extensions = true
	}

	conn, err := prof.Open()
	if err != nil {
		return fmt.Errorf("can't open %s: %w", prof.Path, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(conn)
}

func execCmd(conn *sqlite.Conn, stmts []string, out io.Writer) error {
	changes := 0
	err := conn.WithTx(func() error {
		for i, st := range stmts {
			if err := conn.Exec(st); err != nil {
				return fmt.Errorf("statement %d failed: %w", i+1, err)
			}
			changes += conn.Changes()
			log.Printf("[DEBUG] executed %q, changes %d", st, conn.Changes())
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "changes: %d, last insert id: %d\n", changes, conn.LastInsertRowID())
	return nil
}

func queryCmd(conn *sqlite.Conn, query string, out io.Writer, table bool) error {
	var header []string
	rows, err := sqlite.ExecMap(conn, query, func(s *sqlite.Stmt) ([]string, error) {
		if header == nil {
			header = s.ColumnNames()
		}
		vals := s.Values()
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		return row, nil
	})
	if err != nil {
		return err
	}
	log.Printf("[DEBUG] query returned %d rows", len(rows))
	if len(rows) == 0 {
		return nil
	}

	if !table {
		fmt.Fprintln(out, strings.Join(header, "\t"))
		for _, r := range rows {
			fmt.Fprintln(out, strings.Join(r, "\t"))
		}
		return nil
	}

	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader(header)
	tbl.SetAutoFormatHeaders(false)
	tbl.AppendBulk(rows)
	tbl.Render()
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case []byte:
		return "x'" + hex.EncodeToString(x) + "'"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// checkCmd runs the integrity check on every file, with up to concurrent
// connections open at a time. Each file gets its own connection.
func checkCmd(ctx context.Context, files []string, concurrent int, out io.Writer) error {
	if concurrent < 1 {
		concurrent = 1
	}
	var mu sync.Mutex
	results := make(map[string]error, len(files))

	wg := syncs.NewErrSizedGroup(concurrent, syncs.Context(ctx))
	for _, f := range files {
		wg.Go(func() error {
			err := checkFile(f)
			mu.Lock()
			results[f] = err
			mu.Unlock()
			return err
		})
	}
	if err := wg.Wait(); err != nil {
		log.Printf("[DEBUG] integrity check group finished with errors: %v", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("integrity check interrupted: %w", ctx.Err())
	}

	sorted := append([]string{}, files...)
	sort.Strings(sorted)
	errs := new(multierror.Error)
	for _, f := range sorted {
		err, ok := results[f]
		if !ok {
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "%s: failed\n", f)
			errs = multierror.Append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", f)
	}
	return errs.ErrorOrNil()
}

func checkFile(fname string) (err error) {
	if !fileutils.IsFile(fname) {
		return fmt.Errorf("%s is not a file", fname)
	}
	conn, err := sqlite.OpenFlags(fname, sqlite.OpenReadOnly)
	if err != nil {
		return fmt.Errorf("can't open %s: %w", fname, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	problems, err := conn.IntegrityCheck()
	if err != nil {
		return fmt.Errorf("%s: %w", fname, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %d problems: %s", fname, len(problems), strings.Join(problems, "; "))
	}
	log.Printf("[DEBUG] %s passed integrity check", fname)
	return nil
}

func secretsCmd(sp secrets.Store, cmd string, opts options, out io.Writer) error {
	switch cmd {
	case "set":
		key, val := opts.SecretsCmd.SetCmd.PositionalArgs.Key, opts.SecretsCmd.SetCmd.PositionalArgs.Value
		log.Printf("[INFO] set command, key=%s", key)
		if val == "" {
			return fmt.Errorf("can't set empty secret for key %q", key)
		}
		if err := sp.Set(key, val); err != nil {
			return fmt.Errorf("can't set secret for key %q: %w", key, err)
		}
	case "get":
		key := opts.SecretsCmd.GetCmd.PositionalArgs.Key
		log.Printf("[INFO] get command, key=%s", key)
		val, err := sp.Get(key)
		if err != nil {
			return fmt.Errorf("can't get secret for key %q: %w", key, err)
		}
		fmt.Fprintln(out, val)
	case "del":
		key := opts.SecretsCmd.DeleteCmd.PositionalArgs.Key
		log.Printf("[INFO] del command, key=%s", key)
		if err := sp.Delete(key); err != nil {
			return fmt.Errorf("can't delete secret: %w", err)
		}
		log.Printf("[INFO] key=%s deleted", key)
	case "list":
		prefix := opts.SecretsCmd.ListCmd.PositionalArgs.KeyPrefix
		log.Printf("[INFO] list command, key-prefix=%q", prefix)
		keys, err := sp.List(prefix)
		if err != nil {
			return fmt.Errorf("can't list secrets: %w", err)
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
	default:
		return fmt.Errorf("unknown secrets command %q", cmd)
	}
	return nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError, lgr.Out(os.Stderr)}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError, lgr.Out(os.Stderr)}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
