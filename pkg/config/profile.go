// Package config loads connection profiles. A profile describes how a database
// is opened: its location, access mode, busy timeout, pragmas applied after open,
// init statements and whether the extension functions are installed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-pkgz/stringutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/litebind/pkg/ext"
	"github.com/umputun/litebind/pkg/sqlite"
)

const dbPathEnv = "LITEBIND_DB"

// Profile defines a database connection.
type Profile struct {
	Path        string   `yaml:"path" toml:"path"`                 // database file, uri or ":memory:"
	ReadOnly    bool     `yaml:"read_only" toml:"read_only"`       // open read-only, init statements are not allowed
	BusyTimeout string   `yaml:"busy_timeout" toml:"busy_timeout"` // duration, e.g. "5s"
	Pragmas     []string `yaml:"pragmas" toml:"pragmas"`           // "name" or "name=value", applied in order
	Init        []string `yaml:"init" toml:"init"`                 // statements executed in one transaction after open
	Extensions  bool     `yaml:"extensions" toml:"extensions"`     // install extension functions

	busyTimeout time.Duration
}

// Overrides are profile values set from the command line, non-empty ones win.
type Overrides struct {
	Path     string
	ReadOnly bool
}

var pragmaRe = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)?(\s*=\s*[A-Za-z0-9_\-.']+)?$`)

// Load reads the profile from fname. The format is picked by extension: .toml
// is toml, .yml, .yaml or no extension is yaml. Path falls back to $LITEBIND_DB.
func Load(fname string, overrides *Overrides) (*Profile, error) {
	log.Printf("[DEBUG] request to load profile %q", fname)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read profile: %w", err)
	}

	res := &Profile{}
	if err = unmarshalProfile(fname, data, res); err != nil {
		return nil, err
	}
	res.apply(overrides)

	if err = res.check(); err != nil {
		return nil, fmt.Errorf("profile %s is invalid: %w", fname, err)
	}
	log.Printf("[INFO] profile loaded, path %s, %d pragmas, %d init statements", res.Path, len(res.Pragmas), len(res.Init))
	return res, nil
}

// New makes a profile for path without a file, applying the same defaults and checks as Load.
func New(path string, overrides *Overrides) (*Profile, error) {
	res := &Profile{Path: path}
	res.apply(overrides)
	if err := res.check(); err != nil {
		return nil, fmt.Errorf("profile is invalid: %w", err)
	}
	return res, nil
}

func unmarshalProfile(fname string, data []byte, res *Profile) error {
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(res); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("can't unmarshal yaml profile %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal toml profile %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown profile format %s", fname)
	}
	return nil
}

func (p *Profile) apply(overrides *Overrides) {
	if p.Path == "" {
		p.Path = os.Getenv(dbPathEnv)
	}
	if overrides == nil {
		return
	}
	if overrides.Path != "" {
		p.Path = overrides.Path
	}
	if overrides.ReadOnly {
		p.ReadOnly = true
	}
}

// check validates the profile, reporting all problems at once. Duplicated pragmas are dropped.
func (p *Profile) check() error {
	errs := new(multierror.Error)
	if p.Path == "" {
		errs = multierror.Append(errs, errors.New("database path is not set"))
	}

	if p.BusyTimeout != "" {
		d, err := time.ParseDuration(p.BusyTimeout)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("bad busy timeout %q: %w", p.BusyTimeout, err))
		case d < 0:
			errs = multierror.Append(errs, fmt.Errorf("negative busy timeout %q", p.BusyTimeout))
		default:
			p.busyTimeout = d
		}
	}

	for i, pr := range p.Pragmas {
		p.Pragmas[i] = strings.TrimSpace(pr)
		if !pragmaRe.MatchString(p.Pragmas[i]) {
			errs = multierror.Append(errs, fmt.Errorf("bad pragma %q", pr))
		}
	}
	p.Pragmas = stringutils.DeDup(p.Pragmas)

	for i, st := range p.Init {
		if strings.TrimSpace(st) == "" {
			errs = multierror.Append(errs, fmt.Errorf("init statement %d is empty", i))
		}
	}
	if p.ReadOnly && len(p.Init) > 0 {
		errs = multierror.Append(errs, errors.New("init statements are not allowed in read-only mode"))
	}
	return errs.ErrorOrNil()
}

// Timeout returns the parsed busy timeout, zero if not set.
func (p *Profile) Timeout() time.Duration { return p.busyTimeout }

// Open opens a connection as described by the profile. On any failure the
// connection is closed and nil returned.
func (p *Profile) Open() (*sqlite.Conn, error) {
	flags := sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI
	if p.ReadOnly {
		flags = sqlite.OpenReadOnly | sqlite.OpenURI
	}
	conn, err := sqlite.OpenFlags(p.Path, flags)
	if err != nil {
		return nil, err
	}
	if err = p.prepare(conn); err != nil {
		if cerr := conn.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("can't close %s: %w", p.Path, cerr))
		}
		return nil, err
	}
	return conn, nil
}

// prepare applies busy timeout, pragmas, extensions and init statements to a fresh connection.
func (p *Profile) prepare(conn *sqlite.Conn) error {
	if p.busyTimeout > 0 {
		if err := conn.BusyTimeout(p.busyTimeout); err != nil {
			return fmt.Errorf("can't set busy timeout: %w", err)
		}
	}
	for _, pr := range p.Pragmas {
		if err := conn.Exec("PRAGMA " + pr); err != nil {
			return fmt.Errorf("can't apply pragma %q: %w", pr, err)
		}
		log.Printf("[DEBUG] pragma %s applied to %s", pr, p.Path)
	}
	if p.Extensions {
		if err := ext.Register(conn); err != nil {
			return err
		}
	}
	if len(p.Init) == 0 {
		return nil
	}
	return conn.WithTx(func() error {
		for i, st := range p.Init {
			if err := conn.Exec(st); err != nil {
				return fmt.Errorf("init statement %d failed: %w", i, err)
			}
		}
		return nil
	})
}
