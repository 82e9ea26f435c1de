package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekit/backupd/internal/logging"
)

type taskFixture struct {
	engine    *fakeEngine
	transport *fakeTransport
	observer  *recordingObserver
	scheduler *recordingScheduler
	agents    *countingAgents
	wake      *countingWake
	task      *Task
}

func newTaskFixture(t *testing.T, names ...string) *taskFixture {
	t.Helper()
	f := &taskFixture{
		engine:    newFakeEngine(),
		transport: newFakeTransport(),
		observer:  newRecordingObserver(),
		scheduler: &recordingScheduler{},
		agents:    newCountingAgents(),
		wake:      &countingWake{},
	}

	producers := make([]Producer, len(names))
	for i, name := range names {
		producers[i] = Producer{Name: name}
	}

	f.task = NewTask(TaskParams{
		Queue:          NewQueue(producers),
		Transport:      f.transport,
		Engine:         f.engine,
		Observer:       f.observer,
		Scheduler:      f.scheduler,
		Agents:         f.agents,
		WakeLock:       f.wake,
		Ops:            newTestRegistry(),
		Log:            logging.NewNop(),
		ChunkSize:      16,
		OpTimeout:      2 * time.Second,
		UpdateSchedule: true,
	})
	return f
}

func (f *taskFixture) result(t *testing.T, name string) ResultCode {
	t.Helper()
	code, ok := f.observer.resultFor(name)
	require.True(t, ok, "no result reported for %s", name)
	return code
}

func TestTaskProcessesQueueInOrder(t *testing.T) {
	f := newTaskFixture(t, "a", "b")
	f.engine.addProducer("a", []byte("alpha payload"))
	f.engine.addProducer("b", []byte("bravo payload"))
	f.transport.delay = 30 * time.Minute

	f.task.Run()

	assert.Equal(t, ResultOK, f.result(t, "a"))
	assert.Equal(t, ResultOK, f.result(t, "b"))
	assert.Equal(t, []string{"a", "b"}, f.observer.order)

	// The relayed bytes land on the transport pipe intact.
	assert.Equal(t, "alpha payload", string(f.transport.payloadFor("a")))
	assert.Equal(t, "bravo payload", string(f.transport.payloadFor("b")))
	assert.Equal(t, 2, f.transport.commitCount())
	assert.Zero(t, f.transport.abortCount())

	assert.Equal(t, []ResultCode{ResultOK}, f.observer.runResults())
	assert.Equal(t, []string{"a", "b"}, f.scheduler.enqueuedNames())
	assert.Equal(t, []time.Duration{30 * time.Minute}, f.scheduler.scheduledDelays())

	assert.Equal(t, 1, f.wake.acquired)
	assert.Equal(t, 1, f.wake.released)
	assert.Equal(t, 1, f.agents.tearDowns("a"))
	assert.Equal(t, 1, f.agents.tearDowns("b"))
}

func TestTaskQuotaExceededContinuesQueue(t *testing.T) {
	f := newTaskFixture(t, "a", "b", "c")
	f.engine.addProducer("a", []byte("ok"))
	f.engine.addProducer("b", make([]byte, 64))
	f.engine.addProducer("c", []byte("ok"))
	f.transport.quotas["b"] = 10

	f.task.Run()

	assert.Equal(t, ResultOK, f.result(t, "a"))
	assert.Equal(t, ResultQuotaExceeded, f.result(t, "b"))
	assert.Equal(t, ResultOK, f.result(t, "c"))
	assert.Equal(t, []ResultCode{ResultOK}, f.observer.runResults())

	// The in-flight stream was told to wind down.
	assert.Contains(t, f.engine.quotaExceededCalls(), "b")
}

func TestTaskPreflightErrorContinuesQueue(t *testing.T) {
	f := newTaskFixture(t, "a", "b")
	f.engine.measureErr["a"] = errors.New("agent broken")
	f.engine.addProducer("b", []byte("fine"))

	f.task.Run()

	assert.Equal(t, ResultAgentError, f.result(t, "a"))
	assert.Equal(t, ResultOK, f.result(t, "b"))
	assert.Equal(t, []ResultCode{ResultOK}, f.observer.runResults())

	// The failed attempt must not commit.
	assert.Equal(t, 1, f.transport.commitCount())
	assert.Equal(t, 1, f.transport.abortCount())
}

func TestTaskBeginRejectedContinuesQueue(t *testing.T) {
	f := newTaskFixture(t, "a", "b")
	f.transport.beginCodes["a"] = ResultPackageRejected
	f.engine.addProducer("b", []byte("fine"))

	f.task.Run()

	assert.Equal(t, ResultPackageRejected, f.result(t, "a"))
	assert.Equal(t, ResultOK, f.result(t, "b"))
	assert.Equal(t, []ResultCode{ResultOK}, f.observer.runResults())
}

func TestTaskTransportAbortStopsQueue(t *testing.T) {
	f := newTaskFixture(t, "a", "b", "c")
	f.engine.addProducer("a", []byte("fine"))
	f.transport.beginCodes["b"] = ResultTransportAborted
	f.engine.addProducer("c", []byte("never reached"))

	f.task.Run()

	assert.Equal(t, ResultOK, f.result(t, "a"))
	assert.Equal(t, ResultTransportAborted, f.result(t, "b"))

	// The queue stops dead; c is never attempted.
	_, ok := f.observer.resultFor("c")
	assert.False(t, ok)
	assert.NotContains(t, f.transport.callList(), "begin:c")

	assert.Equal(t, []ResultCode{ResultTransportAborted}, f.observer.runResults())
}

func TestTaskCancelMidStream(t *testing.T) {
	f := newTaskFixture(t, "a", "b", "c")
	f.engine.addProducer("a", []byte("done first"))
	f.engine.addProducer("b", []byte("bb"))
	f.engine.streamHold["b"] = true
	started := make(chan struct{})
	f.engine.streamStarted["b"] = started
	f.engine.addProducer("c", []byte("never reached"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.task.Run()
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("producer b never started streaming")
	}

	f.task.HandleCancel(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not unwind after cancel")
	}

	assert.Equal(t, ResultOK, f.result(t, "a"))
	assert.Equal(t, ResultCancelled, f.result(t, "b"))
	_, ok := f.observer.resultFor("c")
	assert.False(t, ok)

	assert.Equal(t, []ResultCode{ResultCancelled}, f.observer.runResults())

	// A cancelled run does not plan the next pass.
	assert.Empty(t, f.scheduler.scheduledDelays())
	assert.Equal(t, 1, f.transport.abortCount())

	// Duplicate cancels are no-ops.
	f.task.HandleCancel(true)
	assert.Equal(t, 1, f.transport.abortCount())
	assert.Equal(t, 1, f.wake.released)
}

func TestTaskCancelBeforeRun(t *testing.T) {
	f := newTaskFixture(t, "a")
	f.engine.addProducer("a", []byte("never sent"))

	f.task.HandleCancel(true)
	f.task.Run()

	_, ok := f.observer.resultFor("a")
	assert.False(t, ok)
	assert.Equal(t, []ResultCode{ResultCancelled}, f.observer.runResults())
	assert.NotContains(t, f.transport.callList(), "begin:a")
}

func TestTaskRunIsSingleShot(t *testing.T) {
	f := newTaskFixture(t, "a")
	f.engine.addProducer("a", []byte("once"))

	f.task.Run()
	f.task.Run()

	assert.Equal(t, 1, f.wake.acquired)
	assert.Equal(t, []ResultCode{ResultOK}, f.observer.runResults())
}
