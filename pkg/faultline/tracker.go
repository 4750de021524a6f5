// tracker.go is the process-wide coordinator: it owns the configuration,
// wires sanitizer, dedup, breadcrumbs, queue, and transport into the
// capture → enqueue → flush pipeline, and exposes the capture API the
// integration adapters call into.

package faultline

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// Stats counts pipeline outcomes since the tracker was constructed.
// Modeled on the discard-reason accounting telemetry SDKs keep so hosts
// can see what the pipeline did without an external metrics stack.
type Stats struct {
	Captured         int64
	Delivered        int64
	DeliveryFailures int64
	SampledOut       int64
	Ignored          int64
	Deduplicated     int64
}

// CaptureContext carries call-site data merged into one built event.
type CaptureContext struct {
	Tags    []string
	Extra   map[string]any
	Request *RequestInfo
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithLogger sets the tracker's logger; the default is a no-op logger so
// the SDK stays silent unless the host opts in.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock replaces the time source. Tests inject clock.Fake.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clk = clk }
}

// WithStore sets the persistent store backing the event queue and the
// session record. Without one the tracker runs memory-only.
func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithTransport replaces the HTTP transport. Tests inject a recorder.
func WithTransport(transport Transport) Option {
	return func(t *Tracker) { t.transport = transport }
}

// WithSamplingSource replaces the random source used for the sampling
// draw. Tests pass a deterministic func.
func WithSamplingSource(fn func() float64) Option {
	return func(t *Tracker) { t.rand = fn }
}

// Tracker is the telemetry coordinator. One instance per process,
// constructed at the application's composition root and injected into
// adapters. All methods are safe for concurrent use and none of them
// panic: telemetry failure must never crash the host application.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	clk    clock.Clock
	store  Store
	rand   func() float64

	sanitizer *Sanitizer
	dedup     *Deduper
	crumbs    *BreadcrumbBuffer
	queue     *Queue
	transport Transport
	session   *sessionManager

	ignore    []*regexp.Regexp
	startedAt time.Time

	mu            sync.Mutex
	closed        bool
	plugins       map[string]Plugin
	user          *UserInfo
	contexts      map[string]any
	debounceTimer *clock.Timer
	flushTicker   *clock.Ticker
	done          chan struct{}
	flushing      bool
	flushAgain    bool
	stats         Stats
}

// New builds a Tracker from cfg merged over defaults. Configuration
// problems that can be defaulted or clamped are; only structurally
// invalid values (an unknown auth scheme, an uncompilable pattern)
// return an error.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:      cfg,
		logger:   zap.NewNop(),
		clk:      clock.Real(),
		rand:     rand.Float64,
		plugins:  make(map[string]Plugin),
		contexts: make(map[string]any),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startedAt = t.clk.Now()

	for _, p := range cfg.IgnorePatterns {
		t.ignore = append(t.ignore, regexp.MustCompile(p))
	}

	t.sanitizer = NewSanitizer(cfg.SensitiveKeys, cfg.RedactionMarker, cfg.MaxSanitizeDepth)
	t.dedup = NewDeduper(cfg.DedupWindow, cfg.DedupMaxCount, cfg.DedupSweepInterval, t.clk)
	t.crumbs = NewBreadcrumbBuffer(cfg.MaxBreadcrumbs, cfg.BreadcrumbMaxAge, cfg.BreadcrumbSweepInterval, t.clk)
	t.queue = NewQueue(t.store, cfg.QueueStorageKey, cfg.MaxQueueSize, cfg.MaxEventAge, t.clk, t.logger)
	t.session = newSessionManager(t.store, cfg.SessionStorageKey, cfg.SessionTimeout, t.clk, t.logger)

	if t.transport == nil {
		if cfg.Endpoint == "" {
			t.logger.Warn("no endpoint configured, events will be queued but not transmitted")
			t.transport = dryRunTransport{logger: t.logger}
		} else {
			t.transport = NewHTTPTransport(cfg,
				WithTransportLogger(t.logger),
				WithTransportClock(t.clk))
		}
	}

	if cfg.DeliveryMode == DeliverInterval {
		t.flushTicker = t.clk.NewTicker(cfg.FlushInterval)
		go t.intervalLoop()
	}

	return t, nil
}

// CaptureError records err as a handled error event. It returns the new
// event id, or the empty string when the capture was dropped: tracker
// shut down, tracking disabled, message matched an ignore pattern, lost
// the sampling draw, or suppressed as a duplicate.
func (t *Tracker) CaptureError(err error, cctx *CaptureContext) string {
	if err == nil {
		return ""
	}
	detail := ErrorDetail{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
		Stack:   string(debug.Stack()),
		Handled: true,
	}
	return t.capture(detail, SeverityError, cctx, err)
}

// CaptureException normalizes a non-error panic or thrown value into an
// error event by stringifying it, then captures it like CaptureError.
func (t *Tracker) CaptureException(value any, cctx *CaptureContext) string {
	if value == nil {
		return ""
	}
	if err, ok := value.(error); ok {
		return t.CaptureError(err, cctx)
	}
	detail := ErrorDetail{
		Message: fmt.Sprint(value),
		Type:    fmt.Sprintf("%T", value),
		Stack:   string(debug.Stack()),
		Handled: true,
	}
	return t.capture(detail, SeverityError, cctx, nil)
}

// CaptureMessage records a message event at the given severity (info
// when empty). In on-error delivery mode only error and fatal messages
// trigger a debounced flush; lower severities accumulate until the next
// error-triggered or manual flush.
func (t *Tracker) CaptureMessage(text string, level Severity) string {
	if level == "" {
		level = SeverityInfo
	}
	detail := ErrorDetail{
		Message: text,
		Type:    "message",
		Handled: true,
	}
	return t.capture(detail, level, nil, nil)
}

// capture runs the shared pipeline: admission checks, event assembly,
// enqueue, and flush scheduling.
func (t *Tracker) capture(detail ErrorDetail, level Severity, cctx *CaptureContext, origErr error) string {
	t.mu.Lock()
	if t.closed || t.cfg.Disabled {
		t.mu.Unlock()
		return ""
	}
	t.mu.Unlock()

	if t.ignored(detail.Message) {
		t.bump(func(s *Stats) { s.Ignored++ })
		return ""
	}
	if !t.sampled() {
		t.bump(func(s *Stats) { s.SampledOut++ })
		return ""
	}

	event := t.buildEvent(detail, level, cctx)

	fingerprint := ""
	if t.cfg.FingerprintFunc != nil {
		fingerprint = t.cfg.FingerprintFunc(origErr, &event)
	}
	if fingerprint == "" {
		fingerprint = ComputeFingerprint(detail.Type, detail.Message, detail.Stack)
	}
	if !t.dedup.ShouldCapture(fingerprint) {
		t.bump(func(s *Stats) { s.Deduplicated++ })
		return ""
	}
	event.Fingerprint = fingerprint

	t.queue.Add(event)
	t.session.RecordError()
	t.bump(func(s *Stats) { s.Captured++ })

	if t.cfg.DeliveryMode == DeliverOnError && level.AtLeast(SeverityError) {
		t.scheduleFlush()
	}
	return event.EventID
}

// buildEvent assembles the immutable delivery record. Every field
// carrying user-supplied or application state goes through the
// sanitizer here.
func (t *Tracker) buildEvent(detail ErrorDetail, level Severity, cctx *CaptureContext) ErrorEvent {
	now := t.clk.Now()
	event := ErrorEvent{
		EventID:     uuid.NewString(),
		Timestamp:   now.UnixMilli(),
		Environment: t.cfg.Environment,
		Level:       level,
		Platform:    t.cfg.Platform,
		Error:       detail,
		Breadcrumbs: t.crumbs.All(),
	}

	eventContext := make(map[string]any)
	t.mu.Lock()
	for k, v := range t.contexts {
		eventContext[k] = v
	}
	user := t.user
	plugins := make([]Plugin, 0, len(t.plugins))
	for _, p := range t.plugins {
		plugins = append(plugins, p)
	}
	t.mu.Unlock()

	if !t.cfg.DisableRuntimeContext {
		eventContext["app"] = runtimeContext(t.clk, t.startedAt)
	}
	if len(eventContext) > 0 {
		event.Context = eventContext
	}

	if user != nil {
		u := *user
		event.User = &u
	} else if t.cfg.UserIDFunc != nil {
		if id := t.cfg.UserIDFunc(); id != "" {
			event.User = &UserInfo{ID: id}
		}
	}

	if !t.cfg.DisableStateCapture && len(plugins) > 0 {
		state := make(map[string]any)
		for _, p := range plugins {
			provider, ok := p.(StateProvider)
			if !ok {
				continue
			}
			state[p.Name()] = t.sanitizer.Sanitize(provider.State())
		}
		if len(state) > 0 {
			event.State = state
		}
	}

	tags := append([]string(nil), t.cfg.Tags...)
	if cctx != nil {
		tags = mergeTags(tags, cctx.Tags)
		if cctx.Request != nil {
			r := *cctx.Request
			event.Request = &r
		}
		if len(cctx.Extra) > 0 {
			event.Extra = t.sanitizer.Sanitize(cctx.Extra).(map[string]any)
		}
	}
	if len(tags) > 0 {
		event.Tags = TagList(tags)
	}

	return event
}

// AddBreadcrumb appends a trail entry. No-op when breadcrumbs are
// disabled or the tracker is shut down.
func (t *Tracker) AddBreadcrumb(crumb Breadcrumb) {
	t.mu.Lock()
	if t.closed || t.cfg.Disabled || t.cfg.DisableBreadcrumbs {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if crumb.Timestamp == 0 {
		crumb.Timestamp = t.clk.Now().UnixMilli()
	}
	if crumb.Type == "" {
		crumb.Type = BreadcrumbManual
	}
	if crumb.Data != nil {
		crumb.Data = t.sanitizer.Sanitize(crumb.Data).(map[string]any)
	}
	t.crumbs.Add(crumb)
	t.session.Touch()
}

// SetUser sets the identity merged into every subsequently built event.
// Explicit identity takes precedence over the configured UserIDFunc.
func (t *Tracker) SetUser(user UserInfo) {
	if user.Extra != nil {
		user.Extra = t.sanitizer.Sanitize(user.Extra).(map[string]any)
	}
	t.mu.Lock()
	t.user = &user
	t.mu.Unlock()
}

// SetContext stores an opaque descriptor (browser, os, device, ...)
// under key, merged into every subsequently built event.
func (t *Tracker) SetContext(key string, value any) {
	sanitized := t.sanitizer.Sanitize(value)
	t.mu.Lock()
	t.contexts[key] = sanitized
	t.mu.Unlock()
}

// RegisterPlugin stores a named state source polled at event build time.
// The last registration under a given name wins.
func (t *Tracker) RegisterPlugin(p Plugin) {
	if p == nil || p.Name() == "" {
		return
	}
	t.mu.Lock()
	t.plugins[p.Name()] = p
	t.mu.Unlock()
}

// RecordPageView bumps the persisted session's page-view counter.
// Navigation shims call this on route changes.
func (t *Tracker) RecordPageView() {
	t.session.RecordPageView()
}

// Session returns the current session metadata.
func (t *Tracker) Session() Session {
	return t.session.Current()
}

// Stats returns a snapshot of the pipeline counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Flush drains the queue through the transport immediately. Overlapping
// calls coalesce: a flush requested while one is running schedules
// exactly one follow-up pass instead of racing it. Undelivered events
// stay queued for the next trigger.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.flushing {
		t.flushAgain = true
		t.mu.Unlock()
		return nil
	}
	t.flushing = true
	t.mu.Unlock()

	var err error
	for {
		err = t.flushOnce(ctx)

		t.mu.Lock()
		if !t.flushAgain {
			t.flushing = false
			t.mu.Unlock()
			return err
		}
		t.flushAgain = false
		t.mu.Unlock()
	}
}

func (t *Tracker) flushOnce(ctx context.Context) error {
	events := t.queue.All()
	if len(events) == 0 {
		return nil
	}

	result := t.transport.Send(ctx, events)
	if result.Success {
		if result.EventIDs == nil {
			// No id list: the collector accepted the whole batch.
			t.queue.Clear()
			t.bump(func(s *Stats) { s.Delivered += int64(len(events)) })
		} else {
			t.queue.Remove(result.EventIDs)
			t.bump(func(s *Stats) { s.Delivered += int64(len(result.EventIDs)) })
		}
		return nil
	}

	t.bump(func(s *Stats) { s.DeliveryFailures++ })
	t.logger.Warn("flush failed, events remain queued",
		zap.Int("queued", len(events)),
		zap.Int("status", result.StatusCode),
		zap.Error(result.Err))
	if t.cfg.OnDeliveryError != nil && result.Err != nil {
		t.cfg.OnDeliveryError(result.Err)
	}
	return result.Err
}

// Shutdown stops timers and background sweeps, performs one best-effort
// final flush, and leaves the tracker unusable. Capture calls after
// Shutdown return the empty-string sentinel. Shutdown never returns a
// delivery error: a failed final flush is logged and forwarded to the
// OnDeliveryError callback.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	timer := t.debounceTimer
	t.debounceTimer = nil
	ticker := t.flushTicker
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}
	close(t.done)

	t.crumbs.Close()
	t.dedup.Close()

	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("final flush failed during shutdown", zap.Error(err))
	}
	return nil
}

// Recover captures an in-flight panic as a fatal event and returns the
// recovered value without re-panicking. Use in defer.
func (t *Tracker) Recover() any {
	r := recover()
	if r == nil {
		return nil
	}

	message := fmt.Sprint(r)
	if err, ok := r.(error); ok {
		message = err.Error()
	}
	detail := ErrorDetail{
		Message: message,
		Type:    "panic",
		Stack:   string(debug.Stack()),
		Handled: false,
	}
	t.capture(detail, SeverityFatal, nil, nil)
	return r
}

// scheduleFlush arms (or re-arms) the debounce timer so a burst of
// captures is delivered as one batch.
func (t *Tracker) scheduleFlush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if t.debounceTimer != nil {
		t.debounceTimer.Reset(t.cfg.DebounceDelay)
		return
	}
	t.debounceTimer = t.clk.AfterFunc(t.cfg.DebounceDelay, func() {
		t.mu.Lock()
		t.debounceTimer = nil
		t.mu.Unlock()

		if err := t.Flush(context.Background()); err != nil {
			t.logger.Warn("debounced flush failed", zap.Error(err))
		}
	})
}

func (t *Tracker) intervalLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.flushTicker.C:
			if err := t.Flush(context.Background()); err != nil {
				t.logger.Warn("periodic flush failed", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) ignored(message string) bool {
	for _, re := range t.ignore {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// sampled performs the uniform sampling draw. Rates at or above 1 always
// pass; at or below 0 never do.
func (t *Tracker) sampled() bool {
	rate := t.cfg.sampleRate()
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return t.rand() < rate
}

func (t *Tracker) bump(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}

// mergeTags appends extra onto base, skipping duplicates while keeping
// first-seen order.
func mergeTags(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	for _, tag := range base {
		seen[tag] = true
	}
	for _, tag := range extra {
		if !seen[tag] {
			seen[tag] = true
			base = append(base, tag)
		}
	}
	return base
}

// dryRunTransport stands in when no endpoint is configured: sends
// succeed without a network call so the pipeline drains normally.
type dryRunTransport struct {
	logger *zap.Logger
}

func (d dryRunTransport) Send(_ context.Context, events []ErrorEvent) SendResult {
	d.logger.Debug("dry-run: would deliver batch", zap.Int("events", len(events)))
	return SendResult{Success: true}
}

func (d dryRunTransport) Fetch(context.Context) ([]ErrorEvent, error) {
	return nil, nil
}
