package cmd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/flow"
	"firestige.xyz/flowtrack/internal/flowtable"
)

const benchKeySize = 16

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic load against the flow table and stream registry",
	Long: `Insert, look up and expire synthetic keys in one expiring flow table,
then observe synthetic UDP streams from several goroutines through a sharded
stream registry. Prints throughput and table statistics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		res, err := runBench(benchOpts)
		if err != nil {
			return err
		}
		res.print(cmd.OutOrStdout())
		return nil
	},
}

type benchOptions struct {
	Entries     int
	StickyEvery int // every n-th entry never expires; 0 disables
	TTL         time.Duration
	Shards      int
	Goroutines  int
	Packets     int // per goroutine
	Flows       int // distinct streams per goroutine
	Seed        uint64
}

var benchOpts = benchOptions{}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchOpts.Entries, "entries", 1_000_000, "flow table entries")
	f.IntVar(&benchOpts.StickyEvery, "sticky-every", 100, "make every n-th entry sticky (0 disables)")
	f.DurationVar(&benchOpts.TTL, "ttl", 30*time.Second, "base entry ttl")
	f.IntVar(&benchOpts.Shards, "shards", 8, "stream registry shards")
	f.IntVar(&benchOpts.Goroutines, "goroutines", 8, "concurrent observers")
	f.IntVar(&benchOpts.Packets, "packets", 100_000, "packets per observer")
	f.IntVar(&benchOpts.Flows, "flows", 1000, "streams per observer")
	f.Uint64Var(&benchOpts.Seed, "seed", 0, "hash seed")
}

type benchResult struct {
	Inserted  int
	Sticky    int
	Found     int
	Reaped    int
	Remaining int
	Table     flowtable.Stats

	InsertElapsed time.Duration
	LookupElapsed time.Duration
	ReapElapsed   time.Duration

	Observed       uint64
	ActiveStreams  int
	Finished       uint64
	ObserveElapsed time.Duration
}

func runBench(opts benchOptions) (benchResult, error) {
	var res benchResult
	if err := benchTable(opts, &res); err != nil {
		return res, err
	}
	if err := benchRegistry(opts, &res); err != nil {
		return res, err
	}
	return res, nil
}

var benchEpoch = time.Unix(1_700_000_000, 0)

func benchKey(buf *[benchKeySize]byte, i int) []byte {
	binary.BigEndian.PutUint64(buf[:8], uint64(i))
	binary.BigEndian.PutUint64(buf[8:], uint64(i)*0x9e3779b97f4a7c15)
	return buf[:]
}

// benchTable spreads deadlines over one second past TTL so that the queue
// sees distinct keys, then reaps everything that is not sticky.
func benchTable(opts benchOptions, res *benchResult) error {
	t, err := flowtable.New[uint64](flowtable.Config{
		Name:            "bench-table",
		KeySize:         benchKeySize,
		InitialCapacity: 1024,
		Seed:            opts.Seed,
	})
	if err != nil {
		return err
	}
	var buf [benchKeySize]byte

	start := time.Now()
	for i := 0; i < opts.Entries; i++ {
		ttl := opts.TTL + time.Duration(i%1000)*time.Millisecond
		if opts.StickyEvery > 0 && i%opts.StickyEvery == 0 {
			ttl = flowtable.Infinite
			res.Sticky++
		}
		if _, err := t.Insert(benchKey(&buf, i), uint64(i), ttl, benchEpoch); err != nil {
			return fmt.Errorf("insert %d: %w", i, err)
		}
		res.Inserted++
	}
	res.InsertElapsed = time.Since(start)

	start = time.Now()
	for i := 0; i < opts.Entries; i++ {
		if _, err := t.Lookup(benchKey(&buf, i)); err == nil {
			res.Found++
		}
	}
	res.LookupElapsed = time.Since(start)

	start = time.Now()
	res.Reaped = t.Reap(benchEpoch.Add(opts.TTL + time.Second))
	res.ReapElapsed = time.Since(start)
	res.Remaining = t.Len()
	res.Table = t.Stats()
	return t.CheckInvariants()
}

func benchRegistry(opts benchOptions, res *benchResult) error {
	var finished atomic.Uint64
	reg, err := flow.NewRegistry(opts.Shards, flow.TrackerConfig{Name: "bench-streams", Seed: opts.Seed},
		func(*flow.State, flow.EndReason) { finished.Add(1) })
	if err != nil {
		return err
	}
	flows := max(opts.Flows, 1)
	dst := netip.MustParseAddr("192.0.2.1")

	var (
		wg       sync.WaitGroup
		observed atomic.Uint64
		firstErr error
		errOnce  sync.Once
	)
	start := time.Now()
	for g := 0; g < opts.Goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			src := netip.AddrFrom4([4]byte{10, byte(g >> 8), byte(g), 1})
			pkt := core.DecodedPacket{
				IP: core.IPHeader{Version: 4, SrcIP: src, DstIP: dst, Protocol: core.ProtoUDP, TotalLen: 128},
				Transport: core.TransportHeader{DstPort: 53, Protocol: core.ProtoUDP},
			}
			for i := 0; i < opts.Packets; i++ {
				pkt.Timestamp = benchEpoch.Add(time.Duration(i) * time.Microsecond)
				pkt.Transport.SrcPort = uint16(1024 + i%flows)
				if err := reg.Observe(&pkt); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				observed.Add(1)
			}
		}(g)
	}
	wg.Wait()
	res.ObserveElapsed = time.Since(start)
	if firstErr != nil {
		return fmt.Errorf("observe: %w", firstErr)
	}

	res.Observed = observed.Load()
	res.ActiveStreams = reg.Len()
	reg.Flush()
	res.Finished = finished.Load()
	return nil
}

func rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func (r benchResult) print(w io.Writer) {
	fmt.Fprintf(w, "flow table\n")
	fmt.Fprintf(w, "  insert   %d entries (%d sticky) in %s, %.0f ops/s\n",
		r.Inserted, r.Sticky, r.InsertElapsed, rate(r.Inserted, r.InsertElapsed))
	fmt.Fprintf(w, "  lookup   %d found in %s, %.0f ops/s\n",
		r.Found, r.LookupElapsed, rate(r.Found, r.LookupElapsed))
	fmt.Fprintf(w, "  reap     %d expired in %s, %d remain\n", r.Reaped, r.ReapElapsed, r.Remaining)
	fmt.Fprintf(w, "  capacity %d buckets/table, %d slots, %d kicks, %d grows\n",
		r.Table.Capacity, r.Table.Slots, r.Table.Kicks, r.Table.Grows)
	fmt.Fprintf(w, "stream registry\n")
	fmt.Fprintf(w, "  observe  %d packets in %s, %.0f pps\n",
		r.Observed, r.ObserveElapsed, rate(int(r.Observed), r.ObserveElapsed))
	fmt.Fprintf(w, "  streams  %d active, %d flushed\n", r.ActiveStreams, r.Finished)
}
