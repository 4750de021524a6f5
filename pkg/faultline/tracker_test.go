package faultline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// fakeTransport records batches and answers with a configurable result.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]ErrorEvent
	result  SendResult
	sent    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		result: SendResult{Success: true},
		sent:   make(chan struct{}, 16),
	}
}

func (f *fakeTransport) Send(_ context.Context, events []ErrorEvent) SendResult {
	f.mu.Lock()
	batch := make([]ErrorEvent, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	res := f.result
	f.mu.Unlock()

	select {
	case f.sent <- struct{}{}:
	default:
	}
	return res
}

func (f *fakeTransport) Fetch(context.Context) ([]ErrorEvent, error) { return nil, nil }

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeTransport) lastBatch() []ErrorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func (f *fakeTransport) setResult(res SendResult) {
	f.mu.Lock()
	f.result = res
	f.mu.Unlock()
}

func newTestTracker(t *testing.T, cfg Config, opts ...Option) (*Tracker, *fakeTransport, *clock.FakeClock) {
	t.Helper()
	transport := newFakeTransport()
	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{
		WithTransport(transport),
		WithClock(clk),
		WithLogger(zap.NewNop()),
	}, opts...)
	tr, err := New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Shutdown(context.Background()) })
	return tr, transport, clk
}

func TestCaptureErrorReturnsEventID(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	id := tr.CaptureError(errors.New("boom"), nil)
	if id == "" {
		t.Fatal("CaptureError returned the drop sentinel for a plain error")
	}
	if got := tr.queue.Len(); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
	if got := tr.Stats().Captured; got != 1 {
		t.Errorf("Stats.Captured = %d, want 1", got)
	}
}

func TestCaptureNilError(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	if id := tr.CaptureError(nil, nil); id != "" {
		t.Errorf("nil error returned id %q, want empty sentinel", id)
	}
}

func TestCaptureDisabled(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{Disabled: true})
	if id := tr.CaptureError(errors.New("boom"), nil); id != "" {
		t.Errorf("disabled tracker returned id %q, want empty sentinel", id)
	}
	if got := tr.queue.Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestCaptureIgnorePatterns(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{
		IgnorePatterns: []string{"context canceled", "^probe:"},
	})

	if id := tr.CaptureError(errors.New("rpc: context canceled"), nil); id != "" {
		t.Error("message matching an ignore pattern should be dropped")
	}
	if id := tr.CaptureError(errors.New("probe: liveness"), nil); id != "" {
		t.Error("anchored ignore pattern should drop the capture")
	}
	if id := tr.CaptureError(errors.New("real failure"), nil); id == "" {
		t.Error("non-matching message should be captured")
	}
	if got := tr.Stats().Ignored; got != 2 {
		t.Errorf("Stats.Ignored = %d, want 2", got)
	}
}

func TestCaptureSampling(t *testing.T) {
	rate := 0.5
	draw := 0.9
	tr, _, _ := newTestTracker(t, Config{SampleRate: &rate},
		WithSamplingSource(func() float64 { return draw }))

	if id := tr.CaptureError(errors.New("boom one"), nil); id != "" {
		t.Error("draw above the rate should be sampled out")
	}
	draw = 0.1
	if id := tr.CaptureError(errors.New("boom two"), nil); id == "" {
		t.Error("draw below the rate should be kept")
	}
	if got := tr.Stats().SampledOut; got != 1 {
		t.Errorf("Stats.SampledOut = %d, want 1", got)
	}
}

func TestCaptureSampleRateZeroDropsAll(t *testing.T) {
	rate := 0.0
	tr, _, _ := newTestTracker(t, Config{SampleRate: &rate})
	for i := 0; i < 10; i++ {
		if id := tr.CaptureError(fmt.Errorf("boom %d", i), nil); id != "" {
			t.Fatal("rate 0 must drop every capture")
		}
	}
}

func TestCaptureDeduplication(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{DedupMaxCount: 1})

	err := errors.New("boom")
	if id := tr.CaptureError(err, nil); id == "" {
		t.Fatal("first occurrence should be captured")
	}
	if id := tr.CaptureError(err, nil); id != "" {
		t.Error("duplicate within the window should return the empty sentinel")
	}
	if got := tr.Stats().Deduplicated; got != 1 {
		t.Errorf("Stats.Deduplicated = %d, want 1", got)
	}
	if got := tr.queue.Len(); got != 1 {
		t.Errorf("queue length = %d, want 1 (duplicate not enqueued)", got)
	}
}

func TestCaptureFingerprintOverride(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{
		FingerprintFunc: func(err error, event *ErrorEvent) string {
			return "pinned"
		},
	})

	tr.CaptureError(errors.New("boom"), nil)
	events := tr.queue.All()
	if len(events) != 1 || events[0].Fingerprint != "pinned" {
		t.Errorf("fingerprint = %q, want the override value", events[0].Fingerprint)
	}
}

func TestDebouncedFlushBatchesBurst(t *testing.T) {
	tr, transport, clk := newTestTracker(t, Config{})

	for i := 0; i < 3; i++ {
		tr.CaptureError(fmt.Errorf("boom %d", i), nil)
	}
	if got := transport.sendCount(); got != 0 {
		t.Fatalf("sends before the debounce fired = %d, want 0", got)
	}

	clk.Advance(100 * time.Millisecond)

	if got := transport.sendCount(); got != 1 {
		t.Fatalf("sends = %d, want exactly 1 batched delivery", got)
	}
	if got := len(transport.lastBatch()); got != 3 {
		t.Errorf("batch size = %d, want 3", got)
	}
	if got := tr.queue.Len(); got != 0 {
		t.Errorf("queue length after flush = %d, want 0", got)
	}
}

func TestDebounceTimerRearms(t *testing.T) {
	tr, transport, clk := newTestTracker(t, Config{})

	tr.CaptureError(errors.New("first"), nil)
	clk.Advance(50 * time.Millisecond)
	tr.CaptureError(errors.New("second"), nil)

	// The second capture pushed the deadline out; the original one must
	// not fire.
	clk.Advance(50 * time.Millisecond)
	if got := transport.sendCount(); got != 0 {
		t.Fatalf("sends = %d, want 0 while the debounce is re-armed", got)
	}

	clk.Advance(50 * time.Millisecond)
	if got := transport.sendCount(); got != 1 {
		t.Fatalf("sends = %d, want 1 after the re-armed deadline", got)
	}
	if got := len(transport.lastBatch()); got != 2 {
		t.Errorf("batch size = %d, want both captures in one batch", got)
	}
}

func TestCaptureMessageSeverityFlushRules(t *testing.T) {
	tr, transport, clk := newTestTracker(t, Config{})

	if id := tr.CaptureMessage("deploy finished", SeverityInfo); id == "" {
		t.Fatal("info message should be captured")
	}
	clk.Advance(time.Second)
	if got := transport.sendCount(); got != 0 {
		t.Fatalf("info message triggered %d sends, want 0", got)
	}

	tr.CaptureMessage("disk degraded", SeverityError)
	clk.Advance(100 * time.Millisecond)
	if got := transport.sendCount(); got != 1 {
		t.Fatalf("error message triggered %d sends, want 1", got)
	}
	// The low-severity message rides along with the triggered batch.
	if got := len(transport.lastBatch()); got != 2 {
		t.Errorf("batch size = %d, want 2", got)
	}
}

func TestCaptureMessageDefaultsToInfo(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	tr.CaptureMessage("plain", "")

	events := tr.queue.All()
	if len(events) != 1 || events[0].Level != SeverityInfo {
		t.Errorf("level = %q, want info for an empty severity", events[0].Level)
	}
}

func TestCaptureExceptionNonError(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	if id := tr.CaptureException("string panic value", nil); id == "" {
		t.Fatal("non-error value should be captured")
	}
	events := tr.queue.All()
	if events[0].Error.Message != "string panic value" {
		t.Errorf("message = %q", events[0].Error.Message)
	}
	if events[0].Error.Type != "string" {
		t.Errorf("type = %q, want string", events[0].Error.Type)
	}
}

func TestSetUserPrecedence(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{
		UserIDFunc: func() string { return "from-func" },
	})

	tr.CaptureError(errors.New("one"), nil)
	events := tr.queue.All()
	if events[0].User == nil || events[0].User.ID != "from-func" {
		t.Fatalf("user = %+v, want the UserIDFunc fallback", events[0].User)
	}

	tr.SetUser(UserInfo{ID: "explicit", Email: "dev@example.com"})
	tr.CaptureError(errors.New("two"), nil)
	events = tr.queue.All()
	last := events[len(events)-1]
	if last.User == nil || last.User.ID != "explicit" {
		t.Errorf("user = %+v, explicit identity must win over UserIDFunc", last.User)
	}
}

func TestSetUserSanitizesExtra(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tr.SetUser(UserInfo{ID: "u-1", Extra: map[string]any{"password": "hunter2", "plan": "pro"}})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	extra := events[0].User.Extra
	if extra["password"] != redactedMarker {
		t.Errorf("password = %v, want redacted", extra["password"])
	}
	if extra["plan"] != "pro" {
		t.Errorf("plan = %v, want untouched", extra["plan"])
	}
}

func TestSetContextAppearsOnEvents(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tr.SetContext("browser", map[string]any{"name": "firefox", "version": "142"})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	browser, ok := events[0].Context["browser"].(map[string]any)
	if !ok || browser["name"] != "firefox" {
		t.Errorf("context = %+v, want the browser descriptor", events[0].Context)
	}
	if _, ok := events[0].Context["app"]; !ok {
		t.Error("runtime app context missing from the event")
	}
}

func TestDisableRuntimeContext(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{DisableRuntimeContext: true})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	if _, ok := events[0].Context["app"]; ok {
		t.Error("runtime context attached despite being disabled")
	}
}

type fakePlugin struct {
	name  string
	state map[string]any
}

func (p fakePlugin) Name() string          { return p.name }
func (p fakePlugin) State() map[string]any { return p.state }

func TestPluginStateCapture(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tr.RegisterPlugin(fakePlugin{
		name:  "cart",
		state: map[string]any{"items": 3, "payment_token": "tok_4111"},
	})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	cart, ok := events[0].State["cart"].(map[string]any)
	if !ok {
		t.Fatalf("state = %+v, want a cart snapshot", events[0].State)
	}
	if cart["items"] != 3 {
		t.Errorf("items = %v, want 3", cart["items"])
	}
	if cart["payment_token"] != redactedMarker {
		t.Errorf("payment_token = %v, want redacted", cart["payment_token"])
	}
}

func TestDisableStateCapture(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{DisableStateCapture: true})
	tr.RegisterPlugin(fakePlugin{name: "cart", state: map[string]any{"items": 3}})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	if events[0].State != nil {
		t.Errorf("state = %+v, want none when state capture is disabled", events[0].State)
	}
}

func TestBreadcrumbsAttachedToEvents(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tr.AddBreadcrumb(Breadcrumb{Message: "clicked checkout", Type: BreadcrumbClick})
	tr.AddBreadcrumb(Breadcrumb{
		Message: "api call",
		Type:    BreadcrumbAPI,
		Data:    map[string]any{"url": "/cart", "auth_token": "abc"},
	})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	crumbs := events[0].Breadcrumbs
	if len(crumbs) != 2 {
		t.Fatalf("breadcrumbs = %d, want 2", len(crumbs))
	}
	if crumbs[0].Message != "clicked checkout" {
		t.Errorf("crumbs out of order: %+v", crumbs)
	}
	if crumbs[1].Data["auth_token"] != redactedMarker {
		t.Errorf("auth_token = %v, want redacted", crumbs[1].Data["auth_token"])
	}
	if crumbs[0].Timestamp == 0 {
		t.Error("breadcrumb timestamp should be filled at add time")
	}
}

func TestDisableBreadcrumbs(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{DisableBreadcrumbs: true})
	tr.AddBreadcrumb(Breadcrumb{Message: "ignored"})
	tr.CaptureError(errors.New("boom"), nil)

	events := tr.queue.All()
	if len(events[0].Breadcrumbs) != 0 {
		t.Errorf("breadcrumbs = %+v, want none", events[0].Breadcrumbs)
	}
}

func TestCaptureContextTagsAndExtra(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{Tags: []string{"service:checkout"}})

	tr.CaptureError(errors.New("boom"), &CaptureContext{
		Tags:    []string{"region:eu", "service:checkout"},
		Extra:   map[string]any{"order_id": "o-42", "api_key": "secret"},
		Request: &RequestInfo{URL: "/cart", Method: "POST"},
	})

	events := tr.queue.All()
	ev := events[0]
	wantTags := TagList{"service:checkout", "region:eu"}
	if len(ev.Tags) != 2 || ev.Tags[0] != wantTags[0] || ev.Tags[1] != wantTags[1] {
		t.Errorf("tags = %v, want %v (deduplicated, first-seen order)", ev.Tags, wantTags)
	}
	if ev.Extra["order_id"] != "o-42" {
		t.Errorf("order_id = %v", ev.Extra["order_id"])
	}
	if ev.Extra["api_key"] != redactedMarker {
		t.Errorf("api_key = %v, want redacted", ev.Extra["api_key"])
	}
	if ev.Request == nil || ev.Request.Method != "POST" {
		t.Errorf("request = %+v", ev.Request)
	}
}

func TestFlushPartialAcknowledgement(t *testing.T) {
	tr, transport, _ := newTestTracker(t, Config{})

	id1 := tr.CaptureError(errors.New("one"), nil)
	tr.CaptureError(errors.New("two"), nil)

	transport.setResult(SendResult{Success: true, EventIDs: []string{id1}})
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	remaining := tr.queue.All()
	if len(remaining) != 1 || remaining[0].EventID == id1 {
		t.Errorf("queue after partial ack = %+v, want only the unacknowledged event", remaining)
	}
	if got := tr.Stats().Delivered; got != 1 {
		t.Errorf("Stats.Delivered = %d, want 1", got)
	}
}

func TestFlushFailureKeepsEvents(t *testing.T) {
	var callbackErr error
	tr, transport, _ := newTestTracker(t, Config{
		OnDeliveryError: func(err error) { callbackErr = err },
	})

	tr.CaptureError(errors.New("boom"), nil)
	transport.setResult(SendResult{StatusCode: 503, Err: errors.New("collector unavailable")})

	if err := tr.Flush(context.Background()); err == nil {
		t.Fatal("failed flush should return the delivery error")
	}
	if got := tr.queue.Len(); got != 1 {
		t.Errorf("queue length = %d, want 1 (events stay queued for retry)", got)
	}
	if callbackErr == nil {
		t.Error("OnDeliveryError was not invoked")
	}
	if got := tr.Stats().DeliveryFailures; got != 1 {
		t.Errorf("Stats.DeliveryFailures = %d, want 1", got)
	}
}

func TestFlushEmptyQueueSkipsTransport(t *testing.T) {
	tr, transport, _ := newTestTracker(t, Config{})
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := transport.sendCount(); got != 0 {
		t.Errorf("sends = %d, want 0 for an empty queue", got)
	}
}

// blockingTransport parks Send until released, to exercise overlap.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingTransport) Send(context.Context, []ErrorEvent) SendResult {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()

	if first {
		b.entered <- struct{}{}
		<-b.release
	}
	return SendResult{Success: true}
}

func (b *blockingTransport) Fetch(context.Context) ([]ErrorEvent, error) { return nil, nil }

func TestFlushOverlapCoalesces(t *testing.T) {
	transport := &blockingTransport{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	tr, err := New(Config{}, WithTransport(transport), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}

	tr.CaptureError(errors.New("one"), nil)

	firstDone := make(chan struct{})
	go func() {
		tr.Flush(context.Background())
		close(firstDone)
	}()
	<-transport.entered

	// These overlap the in-flight flush; they must coalesce into one
	// follow-up pass, not three.
	for i := 0; i < 3; i++ {
		if err := tr.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	tr.CaptureError(errors.New("two"), nil)
	close(transport.release)
	<-firstDone

	transport.mu.Lock()
	calls := transport.calls
	transport.mu.Unlock()
	if calls != 2 {
		t.Errorf("transport calls = %d, want 2 (initial flush plus one coalesced pass)", calls)
	}
	if got := tr.queue.Len(); got != 0 {
		t.Errorf("queue length = %d, want 0 after the follow-up pass", got)
	}
	tr.Shutdown(context.Background())
}

func TestIntervalDeliveryMode(t *testing.T) {
	tr, transport, clk := newTestTracker(t, Config{
		DeliveryMode:  DeliverInterval,
		FlushInterval: 10 * time.Second,
	})

	tr.CaptureError(errors.New("boom"), nil)

	// Captures alone must not trigger delivery in interval mode.
	clk.Advance(time.Second)
	if got := transport.sendCount(); got != 0 {
		t.Fatalf("sends = %d before the interval elapsed, want 0", got)
	}

	clk.Advance(9 * time.Second)
	select {
	case <-transport.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("interval tick did not trigger a flush")
	}
	if got := len(transport.lastBatch()); got != 1 {
		t.Errorf("batch size = %d, want 1", got)
	}
}

func TestShutdownFlushesAndSeals(t *testing.T) {
	tr, transport, _ := newTestTracker(t, Config{})

	tr.CaptureError(errors.New("boom"), nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := transport.sendCount(); got != 1 {
		t.Errorf("sends = %d, want 1 final flush", got)
	}
	if id := tr.CaptureError(errors.New("late"), nil); id != "" {
		t.Error("capture after Shutdown should return the empty sentinel")
	}
	// Second shutdown is a no-op.
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownSwallowsDeliveryFailure(t *testing.T) {
	tr, transport, _ := newTestTracker(t, Config{})
	tr.CaptureError(errors.New("boom"), nil)
	transport.setResult(SendResult{StatusCode: 500, Err: errors.New("down")})

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned %v, want nil even when the final flush fails", err)
	}
}

func TestRecoverCapturesPanic(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	func() {
		defer tr.Recover()
		panic("checkout exploded")
	}()

	events := tr.queue.All()
	if len(events) != 1 {
		t.Fatalf("queue length = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Level != SeverityFatal {
		t.Errorf("level = %q, want fatal", ev.Level)
	}
	if ev.Error.Type != "panic" || ev.Error.Handled {
		t.Errorf("detail = %+v, want an unhandled panic record", ev.Error)
	}
	if ev.Error.Message != "checkout exploded" {
		t.Errorf("message = %q", ev.Error.Message)
	}
	if ev.Error.Stack == "" {
		t.Error("panic event should carry a stack")
	}
}

func TestRecoverNoPanic(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	func() {
		defer func() {
			if r := tr.Recover(); r != nil {
				t.Errorf("Recover returned %v without a panic", r)
			}
		}()
	}()
	if got := tr.queue.Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestSessionErrorCounting(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})

	tr.CaptureError(errors.New("one"), nil)
	tr.CaptureError(errors.New("two"), nil)
	tr.RecordPageView()

	session := tr.Session()
	if session.ErrorCount != 2 {
		t.Errorf("session ErrorCount = %d, want 2", session.ErrorCount)
	}
	if session.PageViews != 1 {
		t.Errorf("session PageViews = %d, want 1", session.PageViews)
	}
}

func TestTrackerPersistsThroughStore(t *testing.T) {
	store := newFakeStore()
	tr, _, _ := newTestTracker(t, Config{}, WithStore(store))

	tr.CaptureError(errors.New("boom"), nil)
	if _, err := store.Get(tr.cfg.QueueStorageKey); err != nil {
		t.Errorf("queue was not persisted: %v", err)
	}
	if _, err := store.Get(tr.cfg.SessionStorageKey); err != nil {
		t.Errorf("session was not persisted: %v", err)
	}
}
