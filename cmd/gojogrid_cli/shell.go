package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojogrid/core/caching/coverage"
	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	"github.com/sushant-115/gojogrid/core/indexmanager"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"github.com/sushant-115/gojogrid/core/storage_engine/disk"
)

var errExit = errors.New("exit")

// shell runs one command at a time against the indexes of a manager.
type shell struct {
	manager  *indexmanager.Manager
	defaults storage.PropertySet
	current  string
	out      io.Writer

	cache *coverage.Cache[coverage.Coverage]
	// coverages holds the strong references that keep loaded coverages cached.
	coverages map[string]*coverage.Coverage
}

func newShell(m *indexmanager.Manager, cache *coverage.Cache[coverage.Coverage], defaults storage.PropertySet, out io.Writer) *shell {
	s := &shell{
		manager:   m,
		defaults:  defaults,
		out:       out,
		cache:     cache,
		coverages: make(map[string]*coverage.Coverage),
	}
	if names := m.Names(); len(names) > 0 {
		s.current = names[0]
	}
	return s
}

func (s *shell) prompt() string {
	if s.current == "" {
		return "gojogrid> "
	}
	return fmt.Sprintf("gojogrid[%s]> ", s.current)
}

// run executes one command line. It returns errExit on exit or quit.
func (s *shell) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "create":
		return s.create(args[1:])
	case "use":
		if len(args) != 2 {
			return errors.New("usage: use <name>")
		}
		if _, err := s.manager.Get(args[1]); err != nil {
			return err
		}
		s.current = args[1]
		return nil
	case "list":
		for _, name := range s.manager.Names() {
			marker := " "
			if name == s.current {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s\n", marker, name)
		}
		return nil
	case "drop":
		if len(args) != 2 {
			return errors.New("usage: drop <name>")
		}
		if err := s.manager.Drop(args[1]); err != nil {
			return err
		}
		if s.current == args[1] {
			s.current = ""
		}
		return nil
	case "insert":
		return s.insert(args[1:])
	case "delete":
		return s.delete(args[1:])
	case "query":
		return s.query(ctx, args[1:])
	case "stats":
		return s.stats()
	case "coverage":
		return s.coverage(args[1:])
	case "props":
		idx, err := s.index()
		if err != nil {
			return err
		}
		props := idx.PropertySet()
		for _, k := range props.Keys() {
			fmt.Fprintf(s.out, "%s=%s\n", k, props[k])
		}
		return nil
	case "validate":
		idx, err := s.index()
		if err != nil {
			return err
		}
		if err := idx.Validate(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "index is valid")
		return nil
	case "flush":
		idx, err := s.index()
		if err != nil {
			return err
		}
		return idx.Flush()
	case "backup":
		return s.backup(ctx, args[1:])
	case "help":
		fmt.Fprint(s.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

const helpText = `Commands:
  create <name> [Key=Value ...]   create an index; keys as in the config defaults
  use <name>                      select the index the other commands act on
  list                            list indexes
  drop <name>                     close an index and forget it
  insert <payload> <shape>        add an entry
  delete <payload> <shape>        remove an entry
  query contain <shape>           entries contained in shape
  query intersect <shape>         entries intersecting shape
  query point <x> <y> ...         entries containing the point
  query nn <k> <shape>            k nearest entries
  coverage load <name> <w> <h> <lx> <ly> <hx> <hy> <samples...>
  coverage sample <name> <x> <y>  sample a loaded coverage
  coverage forget <name>          drop the shell's reference to a coverage
  backup <path> [bytes/s]         copy a disk-backed index, optionally throttled
  stats | props | validate | flush
  help
  exit / quit
Shapes are "point x y ..." or "region lx ly ... hx hy ...".
`

func (s *shell) index() (spatial.SpatialIndex, error) {
	if s.current == "" {
		return nil, errors.New("no index selected, use 'create' or 'use' first")
	}
	return s.manager.Get(s.current)
}

func (s *shell) create(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: create <name> [Key=Value ...]")
	}
	props := s.defaults.Clone()
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("%w: expected Key=Value, got %q", storage.ErrInvalidConfiguration, kv)
		}
		props[k] = v
	}
	idx, err := s.manager.Create(args[0], props)
	if err != nil {
		return err
	}
	s.current = args[0]
	fmt.Fprintf(s.out, "created %s (%s)\n", args[0], idx.PropertySet()[spatial.KeyIndexID])
	return nil
}

func (s *shell) insert(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: insert <payload> <shape>")
	}
	idx, err := s.index()
	if err != nil {
		return err
	}
	shape, err := parseShape(args[1:])
	if err != nil {
		return err
	}
	return idx.InsertData(args[0], shape)
}

func (s *shell) delete(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: delete <payload> <shape>")
	}
	idx, err := s.index()
	if err != nil {
		return err
	}
	shape, err := parseShape(args[1:])
	if err != nil {
		return err
	}
	found, err := idx.DeleteData(args[0], shape)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "no matching entry")
	}
	return nil
}

func (s *shell) query(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: query contain|intersect|point|nn ...")
	}
	idx, err := s.index()
	if err != nil {
		return err
	}
	var c spatial.Collector
	switch strings.ToLower(args[0]) {
	case "contain":
		shape, err := parseShape(args[1:])
		if err != nil {
			return err
		}
		if err := idx.ContainmentQuery(ctx, shape, &c); err != nil {
			return err
		}
	case "intersect":
		shape, err := parseShape(args[1:])
		if err != nil {
			return err
		}
		if err := idx.IntersectionQuery(ctx, shape, &c); err != nil {
			return err
		}
	case "point":
		coords, err := parseFloats(args[1:])
		if err != nil {
			return err
		}
		if err := idx.PointLocationQuery(ctx, geometry.NewPoint(coords...), &c); err != nil {
			return err
		}
	case "nn":
		if len(args) < 3 {
			return errors.New("usage: query nn <k> <shape>")
		}
		k, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid k %q", args[1])
		}
		shape, err := parseShape(args[2:])
		if err != nil {
			return err
		}
		if err := idx.NearestNeighborQuery(ctx, k, shape, &c, nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown query %q", args[0])
	}
	for _, e := range c.Entries {
		fmt.Fprintf(s.out, "%v\t%v\n", e.Payload, e.Shape)
	}
	fmt.Fprintf(s.out, "(%d entries, %d nodes visited)\n", len(c.Entries), c.Nodes)
	return nil
}

type backupStorage interface {
	Backup(ctx context.Context, dst string, rateBytesPerSec int) (disk.BackupInfo, error)
}

func (s *shell) backup(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: backup <path> [bytes/s]")
	}
	idx, err := s.index()
	if err != nil {
		return err
	}
	rate := 0
	if len(args) == 2 {
		if rate, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid rate %q", args[1])
		}
	}
	owner, ok := idx.(interface{ Storage() storage.Storage })
	if !ok {
		return errors.New("index does not expose its storage")
	}
	b, ok := owner.Storage().(backupStorage)
	if !ok {
		return fmt.Errorf("%w: backup needs disk storage", storage.ErrUnsupportedStorage)
	}
	if err := idx.Flush(); err != nil {
		return err
	}
	info, err := b.Backup(ctx, args[0], rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %d bytes to %s (xxhash %016x)\n", info.Bytes, info.Path, info.Checksum)
	return nil
}

func (s *shell) stats() error {
	idx, err := s.index()
	if err != nil {
		return err
	}
	st := idx.Statistics()
	fmt.Fprintf(s.out, "entries:         %d\n", st.NumberOfData)
	fmt.Fprintf(s.out, "nodes:           %d\n", st.NumberOfNodes)
	fmt.Fprintf(s.out, "root insertions: %d\n", st.RootInsertions)
	fmt.Fprintf(s.out, "reads/writes:    %d/%d\n", st.Reads, st.Writes)
	fmt.Fprintf(s.out, "deletes:         %d\n", st.Deletes)
	fmt.Fprintf(s.out, "dimension:       %d\n", st.Dimension)
	return nil
}

func (s *shell) coverage(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: coverage load|sample|forget <name> ...")
	}
	name := args[1]
	switch strings.ToLower(args[0]) {
	case "load":
		if len(args) < 8 {
			return errors.New("usage: coverage load <name> <w> <h> <lx> <ly> <hx> <hy> <samples...>")
		}
		width, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid width %q", args[2])
		}
		height, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid height %q", args[3])
		}
		values, err := parseFloats(args[4:])
		if err != nil {
			return err
		}
		env, err := geometry.NewRegion(values[0:2], values[2:4])
		if err != nil {
			return err
		}
		samples := values[4:]
		if len(samples) != width*height {
			return fmt.Errorf("expected %d samples, got %d", width*height, len(samples))
		}
		c := &coverage.Coverage{Name: name, Envelope: env, Width: width, Height: height, Samples: samples}
		canonical := s.cache.Reference(c).Get()
		s.coverages[name] = canonical
		if canonical != c {
			fmt.Fprintf(s.out, "%s shares an already loaded coverage\n", name)
		}
		fmt.Fprintf(s.out, "%d coverages cached\n", s.cache.Len())
		return nil
	case "sample":
		c, ok := s.coverages[name]
		if !ok {
			return fmt.Errorf("coverage %q is not loaded", name)
		}
		coords, err := parseFloats(args[2:])
		if err != nil {
			return err
		}
		v, ok := c.SampleAt(geometry.NewPoint(coords...))
		if !ok {
			return fmt.Errorf("point %v lies outside %s", coords, c.Envelope)
		}
		fmt.Fprintln(s.out, v)
		return nil
	case "forget":
		delete(s.coverages, name)
		return nil
	default:
		return fmt.Errorf("unknown coverage command %q", args[0])
	}
}

// parseShape reads "point x y ..." or "region lx ly ... hx hy ...".
func parseShape(args []string) (geometry.Shape, error) {
	if len(args) < 2 {
		return nil, errors.New(`expected "point <coords>" or "region <low> <high>"`)
	}
	coords, err := parseFloats(args[1:])
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(args[0]) {
	case "point":
		return geometry.NewPoint(coords...), nil
	case "region":
		if len(coords)%2 != 0 {
			return nil, fmt.Errorf("region needs as many high as low coordinates, got %d values", len(coords))
		}
		return geometry.NewRegion(coords[:len(coords)/2], coords[len(coords)/2:])
	default:
		return nil, fmt.Errorf("unknown shape %q", args[0])
	}
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid coordinate %q", a)
		}
		out[i] = f
	}
	return out, nil
}
