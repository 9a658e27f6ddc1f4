package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/ledger"
)

// Options tune ingest validation and retention.
type Options struct {
	// SkewTolerance bounds how far in the future ObservedAt may lie
	// relative to ingest time before the sample is rejected.
	SkewTolerance time.Duration
	// WindowSize is the per-source retention bound (most recent N).
	WindowSize int
	// VerifyTimeout bounds how long a verification attempt may take before
	// the sample is terminally marked unverified.
	VerifyTimeout time.Duration
	// SubmitRate and SubmitBurst rate-limit submissions per source.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// DefaultOptions mirror the contractual defaults.
func DefaultOptions() Options {
	return Options{
		SkewTolerance: 5 * time.Minute,
		WindowSize:    256,
		VerifyTimeout: 10 * time.Second,
		SubmitRate:    rate.Limit(10),
		SubmitBurst:   30,
	}
}

// Ingest validates, retains and verifies oracle samples. Unverified
// samples exist transiently; only verified ones ever reach an evaluation
// window.
type Ingest struct {
	mu       sync.RWMutex
	pending  map[string]*Sample   // sample id -> submitted, unverified
	windows  map[string][]*Sample // source -> verified, observedAt order
	seen     map[string]struct{}  // source|observedAt dedup
	failed   map[string]struct{}  // sample ids terminally unverified
	bindings map[string][]string  // unit id -> sources
	limiters map[string]*rate.Limiter

	opts     Options
	anchorer anchor.Anchorer
	mirror   *ledger.Mirror
	clock    func() time.Time
	logger   *slog.Logger
}

// NewIngest creates an ingest pipeline anchoring through anchorer.
func NewIngest(anchorer anchor.Anchorer, mirror *ledger.Mirror, opts Options) *Ingest {
	if opts.WindowSize < 1 {
		opts.WindowSize = DefaultOptions().WindowSize
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultOptions().VerifyTimeout
	}
	return &Ingest{
		pending:  make(map[string]*Sample),
		windows:  make(map[string][]*Sample),
		seen:     make(map[string]struct{}),
		failed:   make(map[string]struct{}),
		bindings: make(map[string][]string),
		limiters: make(map[string]*rate.Limiter),
		opts:     opts,
		anchorer: anchorer,
		mirror:   mirror,
		clock:    time.Now,
		logger:   slog.Default().With("component", "oracle"),
	}
}

// WithClock overrides clock for testing.
func (in *Ingest) WithClock(clock func() time.Time) *Ingest {
	in.clock = clock
	return in
}

func (in *Ingest) limiter(source string) *rate.Limiter {
	l, ok := in.limiters[source]
	if !ok {
		l = rate.NewLimiter(in.opts.SubmitRate, in.opts.SubmitBurst)
		in.limiters[source] = l
	}
	return l
}

// Submit validates a sample and admits it as pending. It returns false
// with ErrSampleRejected for future-dated, out-of-range, duplicate or
// over-rate submissions. Accepted samples get an id and await Verify.
func (in *Ingest) Submit(ctx context.Context, s Sample) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	now := in.clock()
	if float64(s.ObservedAt) > float64(now.Unix())+in.opts.SkewTolerance.Seconds() {
		return "", fmt.Errorf("%w: observed_at %d is %.0fs in the future (tolerance %.0fs)",
			ErrSampleRejected, s.ObservedAt,
			float64(s.ObservedAt)-float64(now.Unix()), in.opts.SkewTolerance.Seconds())
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.opts.SubmitRate > 0 && !in.limiter(s.Source()).Allow() {
		return "", fmt.Errorf("%w: source %s over submission rate", ErrSampleRejected, s.Source())
	}

	dedupKey := fmt.Sprintf("%s|%d", s.Source(), s.ObservedAt)
	if _, dup := in.seen[dedupKey]; dup {
		return "", fmt.Errorf("%w: duplicate sample for %s at %d", ErrSampleRejected, s.Source(), s.ObservedAt)
	}
	in.seen[dedupKey] = struct{}{}

	s.ID = "smp-" + uuid.New().String()
	s.Verified = false
	s.ProofRef = ""
	in.pending[s.ID] = &s

	return s.ID, nil
}

// Verify anchors a pending sample. On success the sample becomes part of
// its source's verified window; on failure or timeout it is terminally
// unverified and excluded from all subsequent evaluations.
func (in *Ingest) Verify(ctx context.Context, sampleID string) (bool, anchor.ProofRef, error) {
	in.mu.RLock()
	s, ok := in.pending[sampleID]
	in.mu.RUnlock()
	if !ok {
		if _, gone := in.terminallyFailed(sampleID); gone {
			return false, "", nil
		}
		return false, "", fmt.Errorf("oracle: unknown sample %s", sampleID)
	}

	vctx, cancel := context.WithTimeout(ctx, in.opts.VerifyTimeout)
	defer cancel()

	ref, err := in.anchorer.Commit(vctx, map[string]any{
		"op":          "sample",
		"kind":        string(s.Kind),
		"source":      s.Source(),
		"observed_at": s.ObservedAt,
		"value":       s.Value,
		"lat":         s.Latitude,
		"lon":         s.Longitude,
	})
	if err != nil {
		// Timeout or anchor failure: fail closed, permanently. A concurrent
		// Verify may have settled the sample first; its outcome stands.
		in.mu.Lock()
		if _, stillPending := in.pending[sampleID]; !stillPending {
			verified, vref := s.Verified, s.ProofRef
			in.mu.Unlock()
			return verified, vref, nil
		}
		delete(in.pending, sampleID)
		in.failed[sampleID] = struct{}{}
		in.mu.Unlock()
		in.logger.Warn("sample verification failed", "sample_id", sampleID, "err", err)
		return false, "", nil
	}

	in.mu.Lock()
	if _, stillPending := in.pending[sampleID]; !stillPending {
		// A concurrent Verify settled the sample first. Never admit it a
		// second time; report whatever that call decided.
		verified, vref := s.Verified, s.ProofRef
		in.mu.Unlock()
		return verified, vref, nil
	}
	delete(in.pending, sampleID)
	s.Verified = true
	s.ProofRef = ref
	in.admitLocked(s)
	in.mu.Unlock()

	if in.mirror != nil {
		_, _ = in.mirror.Append(ledger.EntrySample, s.Source(), map[string]any{
			"sample_id": s.ID, "kind": string(s.Kind), "observed_at": s.ObservedAt,
		})
	}
	return true, ref, nil
}

func (in *Ingest) terminallyFailed(sampleID string) (struct{}, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.failed[sampleID]
	return v, ok
}

// admitLocked inserts a verified sample into its source window in
// observedAt order and trims beyond the retention bound.
func (in *Ingest) admitLocked(s *Sample) {
	src := s.Source()
	window := in.windows[src]

	idx := len(window)
	for idx > 0 && window[idx-1].ObservedAt > s.ObservedAt {
		idx--
	}
	window = append(window, nil)
	copy(window[idx+1:], window[idx:])
	window[idx] = s

	if len(window) > in.opts.WindowSize {
		window = window[len(window)-in.opts.WindowSize:]
	}
	in.windows[src] = window
}

// Bind associates one or more sources (device or shipment ids) with a
// unit, scoping its evaluation window.
func (in *Ingest) Bind(unitID string, sources ...string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.bindings[unitID] = append(in.bindings[unitID], sources...)
}

// Window returns a copy of the verified samples currently retained for the
// given sources, time-ordered. Unverified samples never appear.
func (in *Ingest) Window(sources ...string) []Sample {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var out []Sample
	for _, src := range sources {
		for _, s := range in.windows[src] {
			out = append(out, *s)
		}
	}
	return out
}

// WindowForUnit returns the verified window across all sources bound to
// the unit.
func (in *Ingest) WindowForUnit(unitID string) []Sample {
	in.mu.RLock()
	sources := append([]string(nil), in.bindings[unitID]...)
	in.mu.RUnlock()
	return in.Window(sources...)
}
