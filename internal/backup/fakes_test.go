package backup

import (
	"context"
	"io"
	"os"
	"sync"
	"time"
)

// fakeEngine scripts producer behavior per name.
type fakeEngine struct {
	mu sync.Mutex

	sizes      map[string]int64
	measureErr map[string]error
	// measureHang keeps MeasureSize blocked until ctx is done.
	measureHang map[string]bool
	payloads    map[string][]byte
	streamErr   map[string]error
	// streamHold, when present, keeps Stream blocked after writing its
	// payload until ctx is done.
	streamHold map[string]bool
	// streamStarted is closed when Stream for the producer begins.
	streamStarted map[string]chan struct{}

	quotaCalls []string
	aborted    map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sizes:         make(map[string]int64),
		measureErr:    make(map[string]error),
		measureHang:   make(map[string]bool),
		payloads:      make(map[string][]byte),
		streamErr:     make(map[string]error),
		streamHold:    make(map[string]bool),
		streamStarted: make(map[string]chan struct{}),
		aborted:       make(map[string]bool),
	}
}

// addProducer scripts a well-behaved producer with the given payload.
func (e *fakeEngine) addProducer(name string, payload []byte) {
	e.sizes[name] = int64(len(payload))
	e.payloads[name] = payload
}

func (e *fakeEngine) MeasureSize(ctx context.Context, p Producer, quota int64) (int64, error) {
	e.mu.Lock()
	hang := e.measureHang[p.Name]
	size := e.sizes[p.Name]
	err := e.measureErr[p.Name]
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return size, err
}

func (e *fakeEngine) Stream(ctx context.Context, p Producer, out *os.File, quota int64) error {
	e.mu.Lock()
	payload := e.payloads[p.Name]
	err := e.streamErr[p.Name]
	hold := e.streamHold[p.Name]
	started := e.streamStarted[p.Name]
	e.mu.Unlock()

	if started != nil {
		close(started)
	}
	if err != nil {
		return err
	}
	if _, werr := out.Write(payload); werr != nil {
		return werr
	}
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}

	e.mu.Lock()
	abortedNow := e.aborted[p.Name]
	e.mu.Unlock()
	if abortedNow {
		return ErrQuotaExceeded
	}
	return nil
}

func (e *fakeEngine) QuotaExceeded(p Producer, seen, quota int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotaCalls = append(e.quotaCalls, p.Name)
	e.aborted[p.Name] = true
}

func (e *fakeEngine) quotaExceededCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.quotaCalls...)
}

// fakeTransport records the calls it receives and drains each transfer's
// pipe on a background goroutine, like the real backend would.
type fakeTransport struct {
	mu sync.Mutex

	beginCodes map[string]ResultCode
	quotas     map[string]int64
	checkSize  func(estimate int64) ResultCode
	chunkCode  ResultCode
	commitCode ResultCode
	delay      time.Duration

	calls    []string
	received map[string][]byte
	aborts   int
	commits  int
	drains   sync.WaitGroup

	current string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		beginCodes: make(map[string]ResultCode),
		quotas:     make(map[string]int64),
		chunkCode:  ResultOK,
		commitCode: ResultOK,
		received:   make(map[string][]byte),
	}
}

func (t *fakeTransport) record(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

func (t *fakeTransport) BeginTransfer(p Producer, data *os.File, flags TransferFlags) ResultCode {
	t.record("begin:" + p.Name)

	t.mu.Lock()
	code, scripted := t.beginCodes[p.Name]
	t.mu.Unlock()
	if scripted && code != ResultOK {
		data.Close()
		return code
	}

	t.mu.Lock()
	t.current = p.Name
	t.mu.Unlock()

	t.drains.Add(1)
	go func() {
		defer t.drains.Done()
		defer data.Close()
		buf, _ := io.ReadAll(data)
		t.mu.Lock()
		t.received[p.Name] = buf
		t.mu.Unlock()
	}()
	return ResultOK
}

func (t *fakeTransport) Quota(p Producer) (int64, error) {
	t.record("quota:" + p.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.quotas[p.Name]; ok {
		return q, nil
	}
	return 1 << 40, nil
}

func (t *fakeTransport) CheckSize(estimate int64) ResultCode {
	t.record("checksize")
	if t.checkSize != nil {
		return t.checkSize(estimate)
	}
	return ResultOK
}

func (t *fakeTransport) SendChunk(n int) ResultCode {
	t.record("chunk")
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunkCode
}

func (t *fakeTransport) Commit() ResultCode {
	t.record("commit")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits++
	return t.commitCode
}

func (t *fakeTransport) Abort() {
	t.record("abort")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborts++
}

func (t *fakeTransport) NextDelay() time.Duration {
	t.record("delay")
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

func (t *fakeTransport) abortCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborts
}

func (t *fakeTransport) commitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

func (t *fakeTransport) payloadFor(name string) []byte {
	t.drains.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received[name]
}

func (t *fakeTransport) callList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// recordingObserver captures all callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	results  map[string]ResultCode
	order    []string
	progress map[string][2]int64
	finished []ResultCode
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		results:  make(map[string]ResultCode),
		progress: make(map[string][2]int64),
	}
}

func (o *recordingObserver) OnProducerResult(name string, code ResultCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[name] = code
	o.order = append(o.order, name)
}

func (o *recordingObserver) OnProgress(name string, expected, sofar int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress[name] = [2]int64{expected, sofar}
}

func (o *recordingObserver) OnRunFinished(code ResultCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, code)
}

func (o *recordingObserver) resultFor(name string) (ResultCode, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	code, ok := o.results[name]
	return code, ok
}

func (o *recordingObserver) runResults() []ResultCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ResultCode(nil), o.finished...)
}

// recordingScheduler captures scheduling hints.
type recordingScheduler struct {
	mu       sync.Mutex
	enqueued []string
	nextRuns []time.Duration
}

func (s *recordingScheduler) Enqueue(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, name)
}

func (s *recordingScheduler) ScheduleNextRun(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRuns = append(s.nextRuns, delay)
}

func (s *recordingScheduler) enqueuedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enqueued...)
}

func (s *recordingScheduler) scheduledDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.nextRuns...)
}

// countingAgents counts teardown calls per producer.
type countingAgents struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingAgents() *countingAgents {
	return &countingAgents{calls: make(map[string]int)}
}

func (a *countingAgents) TearDown(p Producer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[p.Name]++
}

func (a *countingAgents) tearDowns(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[name]
}

// countingWake counts acquire/release pairs.
type countingWake struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (w *countingWake) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired++
}

func (w *countingWake) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released++
}
