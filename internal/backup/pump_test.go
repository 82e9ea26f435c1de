package backup

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekit/backupd/internal/logging"
)

func newTestPump(transport Transport, guard *cancelGuard, chunkSize int, quota int64) *pump {
	return &pump{
		transport: transport,
		guard:     guard,
		chunkSize: chunkSize,
		quota:     quota,
		producer:  Producer{Name: "app"},
		observer:  NopObserver{},
		log:       logging.NewNop(),
	}
}

func TestPumpRelaysAllBytes(t *testing.T) {
	transport := newFakeTransport()
	in := bytes.NewReader([]byte("0123456789abcdef"))
	var out bytes.Buffer

	p := newTestPump(transport, &cancelGuard{}, 4, 1<<20)
	status, total := p.run(in, &out)

	assert.Equal(t, ResultOK, status)
	assert.Equal(t, int64(16), total)
	assert.Equal(t, "0123456789abcdef", out.String())

	// One chunk notification per chunk moved.
	chunks := 0
	for _, call := range transport.callList() {
		if call == "chunk" {
			chunks++
		}
	}
	assert.Equal(t, 4, chunks)
}

func TestPumpQuotaExceededMidStream(t *testing.T) {
	transport := newFakeTransport()
	in := bytes.NewReader(make([]byte, 100))
	var out bytes.Buffer

	p := newTestPump(transport, &cancelGuard{}, 10, 25)
	status, total := p.run(in, &out)

	assert.Equal(t, ResultQuotaExceeded, status)
	// The pump stops on the chunk that crossed the ceiling.
	assert.Equal(t, int64(30), total)
}

func TestPumpCancelledBeforeFirstChunk(t *testing.T) {
	transport := newFakeTransport()
	guard := &cancelGuard{cancelAll: true}
	in := bytes.NewReader([]byte("data"))
	var out bytes.Buffer

	p := newTestPump(transport, guard, 4, 1<<20)
	status, total := p.run(in, &out)

	assert.Equal(t, ResultCancelled, status)
	assert.Zero(t, total)
	assert.Empty(t, transport.callList())
}

func TestPumpSkipsNotifyAfterCancel(t *testing.T) {
	transport := newFakeTransport()
	guard := &cancelGuard{}
	in := &cancelAfterRead{guard: guard, data: []byte("abcd")}
	var out bytes.Buffer

	p := newTestPump(transport, guard, 4, 1<<20)
	status, _ := p.run(in, &out)

	// The chunk was already written, but the notification was suppressed
	// and the next loop iteration observed the cancel.
	assert.Equal(t, ResultCancelled, status)
	assert.NotContains(t, transport.callList(), "chunk")
}

// cancelAfterRead flips cancelAll as a side effect of the first read,
// simulating a cancel that lands between the read and the notify.
type cancelAfterRead struct {
	guard *cancelGuard
	data  []byte
	read  bool
}

func (c *cancelAfterRead) Read(p []byte) (int, error) {
	if c.read {
		return 0, nil
	}
	c.read = true
	c.guard.mu.Lock()
	c.guard.cancelAll = true
	c.guard.mu.Unlock()
	return copy(p, c.data), nil
}

func TestPumpTransportWriteFailure(t *testing.T) {
	transport := newFakeTransport()
	in := bytes.NewReader([]byte("data"))

	p := newTestPump(transport, &cancelGuard{}, 4, 1<<20)
	status, total := p.run(in, failingWriter{})

	assert.Equal(t, ResultTransportAborted, status)
	assert.Zero(t, total)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}

func TestPumpStopsOnChunkRejection(t *testing.T) {
	transport := newFakeTransport()
	transport.chunkCode = ResultTransportAborted
	in := bytes.NewReader(make([]byte, 64))
	var out bytes.Buffer

	p := newTestPump(transport, &cancelGuard{}, 16, 1<<20)
	status, total := p.run(in, &out)

	assert.Equal(t, ResultTransportAborted, status)
	assert.Equal(t, int64(16), total)
}

func TestPumpReportsProgress(t *testing.T) {
	transport := newFakeTransport()
	obs := newRecordingObserver()
	in := bytes.NewReader(make([]byte, 32))
	var out bytes.Buffer

	p := newTestPump(transport, &cancelGuard{}, 16, 1<<20)
	p.expected = 32
	p.observer = obs
	status, _ := p.run(in, &out)

	require.Equal(t, ResultOK, status)
	assert.Equal(t, [2]int64{32, 32}, obs.progress["app"])
}
