// Package bench drives synthetic transaction workloads against a chosen
// coordinator variant and reports throughput, abort rates and latency
// percentiles.
package bench

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/mcoredb/svcc/cc/column"
	"github.com/mcoredb/svcc/cc/epoch"
	"github.com/mcoredb/svcc/cc/sgt"
	"github.com/mcoredb/svcc/cc/twopl"
	"github.com/mcoredb/svcc/cc/wal"
	"github.com/mcoredb/svcc/config"
)

// session is the variant-independent surface the driver loop needs.
type session interface {
	Start() uint64
	Read(off, txn uint64) (uint64, bool)
	Write(v, off, txn uint64) bool
	Commit(txn uint64) (bool, map[uint64]struct{})
}

type twoplSession struct {
	s    *twopl.Session[uint64]
	vals *column.Value[uint64]
	lsn  *column.Meta
	rw   *column.AccessList
	lt   *twopl.LockTable
}

func (t *twoplSession) Start() uint64 { return t.s.Start() }

func (t *twoplSession) Read(off, txn uint64) (uint64, bool) {
	return t.s.ReadValue(t.vals, t.lsn, t.rw, t.lt, off, txn)
}

func (t *twoplSession) Write(v, off, txn uint64) bool {
	return t.s.WriteValue(v, t.vals, t.lsn, t.rw, t.lt, off, txn)
}

func (t *twoplSession) Commit(txn uint64) (bool, map[uint64]struct{}) {
	return t.s.Commit(txn)
}

type sgtSession struct {
	s      *sgt.Session[uint64]
	vals   *column.Value[uint64]
	lsn    *column.Meta
	rw     *column.AccessList
	locked *column.Meta
}

func (t *sgtSession) Start() uint64 { return t.s.Start() }

func (t *sgtSession) Read(off, txn uint64) (uint64, bool) {
	return t.s.ReadValue(t.vals, t.lsn, t.rw, t.locked, off, txn)
}

func (t *sgtSession) Write(v, off, txn uint64) bool {
	return t.s.WriteValue(v, t.vals, t.lsn, t.rw, t.locked, off, txn)
}

func (t *sgtSession) Commit(txn uint64) (bool, map[uint64]struct{}) {
	return t.s.Commit(txn)
}

// Report summarizes one bench run.
type Report struct {
	Variant string
	Workers int

	Txns    uint64
	Commits uint64
	Aborts  uint64
	Victims uint64

	Elapsed    time.Duration
	MeanTxn    time.Duration
	P99Txn     time.Duration
	TableBytes uint64
}

func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Commits) / r.Elapsed.Seconds()
}

func (r *Report) String() string {
	return fmt.Sprintf(
		"variant=%s workers=%d txns=%d commits=%d aborts=%d victims=%d "+
			"elapsed=%v tps=%.0f mean=%v p99=%v table=%s",
		r.Variant, r.Workers, r.Txns, r.Commits, r.Aborts, r.Victims,
		r.Elapsed.Round(time.Millisecond), r.Throughput(), r.MeanTxn, r.P99Txn,
		units.HumanSize(float64(r.TableBytes)))
}

// Run executes the workload described by cfg and returns the report.
func Run(cfg *config.Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	var sink wal.Sink = wal.Nop{}
	if cfg.WAL.Enabled {
		w, err := wal.NewWriter(cfg.WAL.Path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		sink = w
	}

	em := epoch.NewManager()
	vals := column.NewValue[uint64](cfg.TableSize)
	lsn := column.NewMeta(cfg.TableSize)
	rw := column.NewAccessList("bench", cfg.TableSize)

	sessions := make([]session, cfg.Workers)
	switch cfg.Variant {
	case config.VariantTwoPL:
		coord := twopl.NewCoordinator[uint64](em, sink)
		lt := twopl.NewLockTable(cfg.TableSize)
		for i := range sessions {
			s, err := coord.NewSession()
			if err != nil {
				return nil, errors.Trace(err)
			}
			sessions[i] = &twoplSession{s: s, vals: vals, lsn: lsn, rw: rw, lt: lt}
		}
	case config.VariantSGT:
		coord := sgt.NewCoordinator[uint64](em, sink)
		locked := column.NewMeta(cfg.TableSize)
		for i := range sessions {
			s, err := coord.NewSession()
			if err != nil {
				return nil, errors.Trace(err)
			}
			sessions[i] = &sgtSession{s: s, vals: vals, lsn: lsn, rw: rw, locked: locked}
		}
	default:
		return nil, errors.Errorf("unknown variant %q", cfg.Variant)
	}

	log.Infof("bench: starting variant=%s workers=%d table=%d txns/worker=%d",
		cfg.Variant, cfg.Workers, cfg.TableSize, cfg.TxnsPerWorker)

	commits := atomic.NewUint64(0)
	aborts := atomic.NewUint64(0)
	victims := atomic.NewUint64(0)
	latencies := make([][]float64, cfg.Workers)

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(w int, s session) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)*7919 + 1))
			var zipf *zipfian
			if cfg.Zipfian {
				zipf = newZipfian(0, int64(cfg.TableSize)-1, cfg.ZipfianTheta)
			}
			lats := make([]float64, 0, cfg.TxnsPerWorker)

			for i := 0; i < cfg.TxnsPerWorker; i++ {
				begin := time.Now()
				txn := s.Start()
				ok := true
				for op := 0; op < cfg.OpsPerTxn && ok; op++ {
					var off uint64
					if zipf != nil {
						off = uint64(zipf.next(r))
					} else {
						off = uint64(r.Int63n(int64(cfg.TableSize)))
					}
					if r.Float64() < cfg.ReadRatio {
						_, ok = s.Read(off, txn)
					} else {
						ok = s.Write(r.Uint64()%1000, off, txn)
					}
				}
				committed, oset := s.Commit(txn)
				if committed {
					commits.Inc()
				} else {
					aborts.Inc()
					victims.Add(uint64(len(oset)))
				}
				lats = append(lats, float64(time.Since(begin).Microseconds()))
			}
			latencies[w] = lats
		}(w, sessions[w])
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := sink.Close(); err != nil {
		log.Warnf("bench: closing wal: %v", err)
	}

	var all []float64
	for _, lats := range latencies {
		all = append(all, lats...)
	}
	mean, err := stats.Mean(all)
	if err != nil {
		mean = 0
	}
	p99, err := stats.Percentile(all, 99)
	if err != nil {
		p99 = 0
	}

	report := &Report{
		Variant: cfg.Variant,
		Workers: cfg.Workers,
		Txns:    uint64(cfg.Workers) * uint64(cfg.TxnsPerWorker),
		Commits: commits.Load(),
		Aborts:  aborts.Load(),
		Victims: victims.Load(),
		Elapsed: elapsed,
		MeanTxn: time.Duration(mean) * time.Microsecond,
		P99Txn:  time.Duration(p99) * time.Microsecond,
		// Value, lsn and lock-meta words per record.
		TableBytes: cfg.TableSize * 3 * 8,
	}
	log.Infof("bench: done %s", report)
	return report, nil
}
