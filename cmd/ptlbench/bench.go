package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/ptl"
)

const (
	benchPT        = 0
	benchMatchBits = 0x5054_4c42
	opTimeout      = 10 * time.Second
)

type result struct {
	cfg       Config
	elapsed   time.Duration
	latencies []time.Duration
	received  uint64
	counters  []string
}

type harness struct {
	cfg    *Config
	log    *zap.SugaredLogger
	fabric *fabric.Fabric
	reg    *prometheus.Registry
	ids    []ptl.ProcessID
	base   ptl.Config
}

func newHarness(cfg *Config, log *zap.SugaredLogger) (*harness, error) {
	h := &harness{
		cfg:    cfg,
		log:    log,
		fabric: fabric.New("ptlbench-" + uuid.NewString()),
	}
	h.base = ptl.Config{
		Options:          ptl.NIMatching,
		MaxInlineData:    cfg.InlineLimit,
		StructuredLogger: log,
	}
	if cfg.Metrics {
		h.reg = prometheus.NewRegistry()
		m, err := ptl.NewPrometheusMetrics(ptl.PrometheusMetricsOptions{
			Registerer: h.reg,
			Namespace:  "ptlbench",
		})
		if err != nil {
			_ = h.fabric.Close()
			return nil, err
		}
		h.base.Metrics = m
	}

	// rank 0 is the target, the initiators follow
	phys := []ptl.ProcessID{ptl.Phys(2, 1)}
	for i := 0; i < cfg.Workers; i++ {
		phys = append(phys, ptl.Phys(1, uint32(i+1)))
	}
	if cfg.Logical {
		h.base.Options |= ptl.NILogical
		h.base.Map = phys
		for i := range phys {
			h.ids = append(h.ids, ptl.Rank(uint32(i)))
		}
	} else {
		h.ids = phys
	}
	return h, nil
}

func (h *harness) close() { _ = h.fabric.Close() }

func run(ctx context.Context, cfg *Config, log *zap.SugaredLogger) (*result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := newHarness(cfg, log)
	if err != nil {
		return nil, err
	}
	defer h.close()

	tgt, tct, err := h.openTarget()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tgt.NIFini() }()

	log.Infow("bench start",
		"op", cfg.Op,
		"size", cfg.Size,
		"workers", cfg.Workers,
		"iterations", cfg.Iterations,
		"ack", cfg.Ack,
		"fabric", h.fabric.Name(),
	)

	lat := make([][]time.Duration, cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			l, err := h.worker(gctx, i)
			lat[i] = l
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	total := uint64(cfg.Workers * cfg.Iterations)
	wctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	got, err := tgt.CTWait(wctx, tct, total)
	if err != nil {
		return nil, fmt.Errorf("target count %d of %d: %w", got.Success+got.Failure, total, err)
	}
	if got.Failure != 0 {
		return nil, fmt.Errorf("target saw %d failed operations", got.Failure)
	}

	res := &result{cfg: *cfg, elapsed: elapsed, received: got.Success}
	for _, l := range lat {
		res.latencies = append(res.latencies, l...)
	}
	slices.Sort(res.latencies)
	if h.reg != nil {
		res.counters, err = gatherCounters(h.reg)
		if err != nil {
			return nil, err
		}
	}
	log.Infow("bench done", "elapsed", elapsed, "operations", len(res.latencies))
	return res, nil
}

// openTarget brings up the target with one persistent entry that counts
// every operation landing on it.
func (h *harness) openTarget() (*ptl.NI, *ptl.CT, error) {
	ni, err := ptl.NIInit(h.fabric, h.ids[0], h.base)
	if err != nil {
		return nil, nil, fmt.Errorf("target init: %w", err)
	}
	fail := func(err error) (*ptl.NI, *ptl.CT, error) {
		_ = ni.NIFini()
		return nil, nil, err
	}
	eq, err := ni.EQAlloc(16)
	if err != nil {
		return fail(err)
	}
	if _, err := ni.PTAlloc(0, eq, benchPT); err != nil {
		return fail(err)
	}
	ct, err := ni.CTAlloc()
	if err != nil {
		return fail(err)
	}
	_, err = ni.MEAppend(benchPT, ptl.MESpec{
		Start:     make([]byte, h.cfg.Size),
		CT:        ct,
		Options:   ptl.MEOpPut | ptl.MEOpGet | ptl.MEEventCommDisable | ptl.MEEventCTComm | ptl.MEEventLinkDisable,
		MatchID:   ptl.ProcessID{NID: ptl.AnyNID, PID: ptl.AnyPID, Rank: ptl.AnyRank},
		MatchBits: benchMatchBits,
	}, ptl.PriorityList, nil)
	if err != nil {
		return fail(err)
	}
	return ni, ct, nil
}

func (h *harness) worker(ctx context.Context, i int) ([]time.Duration, error) {
	ni, err := ptl.NIInit(h.fabric, h.ids[i+1], h.base)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ni.NIFini() }()

	eq, err := ni.EQAlloc(64)
	if err != nil {
		return nil, err
	}
	ct, err := ni.CTAlloc()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, h.cfg.Size)
	for j := range buf {
		buf[j] = byte(i + j)
	}
	md, err := ni.MDBind(ptl.MDSpec{
		Start:   buf,
		EQ:      eq,
		CT:      ct,
		Options: h.mdOptions(),
	})
	if err != nil {
		return nil, err
	}

	lat := make([]time.Duration, 0, h.cfg.Iterations)
	for n := 0; n < h.cfg.Iterations; n++ {
		if err := ctx.Err(); err != nil {
			return lat, err
		}
		begin := time.Now()
		if err := h.issue(ni, md); err != nil {
			return lat, err
		}
		if err := h.complete(ctx, ni, eq, ct, uint64(n+1)); err != nil {
			return lat, err
		}
		lat = append(lat, time.Since(begin))
	}
	h.log.Debugw("worker done", "worker", i, "id", ni.ID())
	return lat, nil
}

func (h *harness) ack() ptl.AckReq {
	switch h.cfg.Ack {
	case "ct":
		return ptl.AckCT
	case "none":
		return ptl.AckNone
	default:
		return ptl.AckFull
	}
}

// mdOptions routes the completion the ack mode waits for onto the worker's
// counter and keeps send events off its queue.
func (h *harness) mdOptions() ptl.MDOptions {
	opts := ptl.MDEventSendDisable
	switch h.cfg.Ack {
	case "ct":
		opts |= ptl.MDEventCTAck
	case "none":
		opts |= ptl.MDEventCTSend
	}
	return opts
}

func (h *harness) issue(ni *ptl.NI, md *ptl.MD) error {
	length := uint64(h.cfg.Size)
	put := ptl.PutRequest{
		MD:        md,
		Length:    length,
		Ack:       h.ack(),
		Target:    h.ids[0],
		PTIndex:   benchPT,
		MatchBits: benchMatchBits,
	}
	switch h.cfg.Op {
	case "get":
		return ni.Get(ptl.GetRequest{
			MD:        md,
			Length:    length,
			Target:    h.ids[0],
			PTIndex:   benchPT,
			MatchBits: benchMatchBits,
		})
	case "atomic":
		return ni.Atomic(ptl.AtomicRequest{PutRequest: put, Op: ptl.AtomicSum, Type: ptl.Int64})
	default:
		return ni.Put(put)
	}
}

// complete waits for the n-th operation of a worker. Counting completions
// accumulate on ct; full ones arrive as events on eq.
func (h *harness) complete(ctx context.Context, ni *ptl.NI, eq *ptl.EQ, ct *ptl.CT, n uint64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	want := ptl.EventAck
	switch {
	case h.cfg.Op == "get":
		want = ptl.EventReply
	case h.cfg.Ack != "full":
		val, err := ni.CTWait(ctx, ct, n)
		if err != nil {
			return err
		}
		if val.Failure != 0 {
			return fmt.Errorf("%d operations failed", val.Failure)
		}
		return nil
	}
	for {
		evt, err := ni.EQWait(ctx, eq)
		if errors.Is(err, ptl.ErrEQDropped) {
			h.log.Warnw("event queue overflowed", "id", ni.ID())
		} else if err != nil {
			return err
		}
		if evt.NIFail != ptl.NIOK {
			return fmt.Errorf("%s event failed: %s", evt.Kind, evt.NIFail)
		}
		if evt.Kind == want {
			return nil
		}
	}
}

func gatherCounters(g prometheus.Gatherer) ([]string, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var out []string
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			out = append(out, fmt.Sprintf("%s{%s} %g", mf.GetName(), formatLabels(m.GetLabel()), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func formatLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	return strings.Join(parts, ",")
}

func (r *result) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(r.latencies)-1) * p)
	return r.latencies[idx]
}

func (r *result) print(w io.Writer) {
	ops := len(r.latencies)
	secs := r.elapsed.Seconds()
	var rate, mbps float64
	if secs > 0 {
		rate = float64(ops) / secs
		mbps = rate * float64(r.cfg.Size) / (1 << 20)
	}
	fmt.Fprintf(w, "op=%s size=%d workers=%d ack=%s logical=%t\n", r.cfg.Op, r.cfg.Size, r.cfg.Workers, r.cfg.Ack, r.cfg.Logical)
	fmt.Fprintf(w, "operations: %d (target counted %d) in %s\n", ops, r.received, r.elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "rate: %.0f ops/s %.2f MiB/s\n", rate, mbps)
	fmt.Fprintf(w, "latency: p50=%s p99=%s max=%s\n", r.percentile(0.50), r.percentile(0.99), r.percentile(1))
	for _, c := range r.counters {
		fmt.Fprintln(w, c)
	}
}
