// Command sectionscan feeds a stream of raw, concatenated PSI/SI sections
// through a dvbmux filter registry and reports what matched. It is a demo
// and debugging harness for the section-table subsystem: filters declared
// on the command line are registered on a single mux, every section read
// from the input is offered to the subscribed filters, and the run ends
// when the input is exhausted, a signal arrives, or (with --scan) all
// filters completed a fast-switch scan.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvbmux"
	"github.com/zsiec/dvbmux/psi"
)

var version = "dev"

// feeder is the software demux backend: it tracks which tables have an
// open filter and offers every section read from the input to all of them.
// The per-table mask check in Dispatch does the actual routing.
type feeder struct {
	mu     sync.Mutex
	active map[*dvbmux.Table]struct{}
}

func newFeeder() *feeder {
	return &feeder{active: make(map[*dvbmux.Table]struct{})}
}

func (f *feeder) StartFilter(mm *dvbmux.Mux, t *dvbmux.Table) {
	f.mu.Lock()
	f.active[t] = struct{}{}
	f.mu.Unlock()
}

func (f *feeder) StopFilter(mm *dvbmux.Mux, t *dvbmux.Table) {
	f.mu.Lock()
	delete(f.active, t)
	f.mu.Unlock()
}

func (f *feeder) offer(sec []byte) {
	f.mu.Lock()
	tables := make([]*dvbmux.Table, 0, len(f.active))
	for t := range f.active {
		tables = append(tables, t)
	}
	f.mu.Unlock()

	for _, t := range tables {
		t.Dispatch(sec)
	}
}

// filterSpec is one --filter argument: name:tableid/mask[:pid].
type filterSpec struct {
	name    string
	tableID uint8
	mask    uint8
	pid     int
}

func parseFilterSpec(s string) (filterSpec, error) {
	spec := filterSpec{pid: dvbmux.PIDNone}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return spec, fmt.Errorf("want name:tableid/mask[:pid], got %q", s)
	}
	spec.name = parts[0]

	idmask := strings.SplitN(parts[1], "/", 2)
	id, err := strconv.ParseUint(idmask[0], 0, 8)
	if err != nil {
		return spec, fmt.Errorf("bad table id %q: %w", idmask[0], err)
	}
	spec.tableID = uint8(id)
	spec.mask = 0xFF
	if len(idmask) == 2 {
		m, err := strconv.ParseUint(idmask[1], 0, 8)
		if err != nil {
			return spec, fmt.Errorf("bad mask %q: %w", idmask[1], err)
		}
		spec.mask = uint8(m)
	}

	if len(parts) == 3 {
		pid, err := strconv.Atoi(parts[2])
		if err != nil || pid < 0 || pid > 0x1FFF {
			return spec, fmt.Errorf("bad pid %q", parts[2])
		}
		spec.pid = pid
	}
	return spec, nil
}

func main() {
	var (
		input   = pflag.String("input", "-", "section stream to read, - for stdin")
		filters = pflag.StringArray("filter", nil, "filter to register as name:tableid/mask[:pid], repeatable")
		crc     = pflag.Bool("crc", false, "verify the trailing CRC-32 on every section")
		scan    = pflag.Bool("scan", false, "run as a scan: stop once every filter is satisfied")
		debug   = pflag.Bool("debug", false, "enable debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(*filters) == 0 {
		slog.Error("no filters given, use --filter")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	fd := newFeeder()
	mm := dvbmux.NewMux(*input, fd,
		dvbmux.MuxOptScanDone(func(mm *dvbmux.Mux, name string, ok bool) {
			slog.Info("scan done", "mux", name, "success", ok)
			cancel()
		}),
	)

	var flags dvbmux.Flags
	if *crc {
		flags |= dvbmux.FlagCRC
	}
	if *scan {
		mm.SetScanState(dvbmux.ScanActive)
		flags |= dvbmux.FlagQuickReq
	}

	owner := fd // all command-line filters share one owner token
	for _, arg := range *filters {
		spec, err := parseFilterSpec(arg)
		if err != nil {
			slog.Error("bad --filter", "arg", arg, "error", err)
			os.Exit(1)
		}
		mm.AddTable(spec.tableID, spec.mask, logSection, owner, spec.name, flags, spec.pid)
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			slog.Error("open input", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	slog.Info("sectionscan starting", "version", version, "filters", len(*filters))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return feed(ctx, in, fd)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("feed failed", "error", err)
	}

	for _, st := range mm.Snapshot() {
		slog.Info("filter result",
			"name", st.Name,
			"tableid", fmt.Sprintf("%02X/%02X", st.TableID, st.Mask),
			"pid", st.PID,
			"matches", st.Matches,
			"complete", st.Complete,
		)
	}
	mm.FlushAll()
}

// logSection is the callback bound to every command-line filter: the first
// matching section satisfies the filter, later ones just count.
func logSection(t *dvbmux.Table, payload []byte, tableID uint8) int {
	slog.Info("section", "table", t.Name(), "tableid", fmt.Sprintf("%02X", tableID), "len", len(payload))
	if !t.Complete() {
		t.SetComplete(true)
		return 0
	}
	return 1
}

// feed reads concatenated sections (header plus section_length bytes each)
// from r and offers each one to the subscribed filters.
func feed(ctx context.Context, r io.Reader, fd *feeder) error {
	hdr := make([]byte, psi.HeaderLen)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read section header: %w", err)
		}
		h, err := psi.ParseHeader(hdr)
		if err != nil {
			return err
		}
		sec := make([]byte, psi.HeaderLen+h.SectionLength)
		copy(sec, hdr)
		if _, err := io.ReadFull(r, sec[psi.HeaderLen:]); err != nil {
			return fmt.Errorf("read section body: %w", err)
		}
		fd.offer(sec)
	}
}
