// Package stats periodically appends a CSV snapshot of engine counters
// to a rotating, date-formatted log file, adapted from the teacher's
// std/snmp.go (which dumped kcp-go's package-global kcp.DefaultSnmp
// counters). Those global counters only populate when traffic flows
// through kcp-go's own UDPSession/Listener; this repo drives the raw
// KCP control block directly, so the source of numbers changes, but
// the CSV-rotation idiom — split path into dir/Time-formatted file,
// write a header into an empty file, append one row per tick — carries
// over unchanged.
package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// Snapshot is one row's worth of named counters, supplied fresh on
// every tick by whatever owns the real state (the engine's session
// table and pump).
type Snapshot struct {
	Sessions   int
	Init       int
	Connect    int
	Connected  int
	Linger     int
	TimeWait   int
	BytesUp    uint64
	BytesDown  uint64
}

var header = []string{"Unix", "Sessions", "Init", "Connect", "Connected", "Linger", "TimeWait", "BytesUp", "BytesDown"}

func (s Snapshot) row() []string {
	return []string{
		fmt.Sprint(time.Now().Unix()),
		fmt.Sprint(s.Sessions), fmt.Sprint(s.Init), fmt.Sprint(s.Connect),
		fmt.Sprint(s.Connected), fmt.Sprint(s.Linger), fmt.Sprint(s.TimeWait),
		fmt.Sprint(s.BytesUp), fmt.Sprint(s.BytesDown),
	}
}

// Writer appends one Snapshot row to a time-formatted path (e.g.
// "./stats-20060102.log") every time Write is called; a new calendar
// day's first call creates a fresh file with a header row.
type Writer struct {
	path string
	log  *xlog.Logger
}

// New returns nil when path is empty, so callers can unconditionally
// hold a *Writer and skip the nil check only at the call site that
// matters (spec keeps stats logging strictly optional).
func New(path string, log *xlog.Logger) *Writer {
	if path == "" {
		return nil
	}
	return &Writer{path: path, log: log}
}

func (w *Writer) Write(s Snapshot) {
	if w == nil {
		return
	}
	dir, file := filepath.Split(w.path)
	resolved := dir + time.Now().Format(file)
	f, err := os.OpenFile(resolved, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		w.log.Warningf("stats: open %s: %v", resolved, err)
		return
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := cw.Write(header); err != nil {
			w.log.Warningf("stats: write header: %v", err)
		}
	}
	if err := cw.Write(s.row()); err != nil {
		w.log.Warningf("stats: write row: %v", err)
	}
	cw.Flush()
}
