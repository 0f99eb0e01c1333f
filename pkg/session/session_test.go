package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nc-tools/gcodeproxy/pkg/handler"
	"github.com/nc-tools/gcodeproxy/pkg/log"
	"github.com/nc-tools/gcodeproxy/pkg/serialio"
)

type recordingTrigger struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingTrigger) Evaluate(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
}

func (r *recordingTrigger) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

func newTestSession(t *testing.T, cfg Config) (*Session, *serialio.DryRunTransport) {
	t.Helper()
	transport := serialio.NewDryRunTransport()
	s := NewSession(transport, nil, nil, log.NoopLogger{}, cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, transport
}

func TestSubmitReturnsOKForNormalCommand(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	resp, err := s.Submit(handler.ClientInfo{ConnectionID: "c1"}, "G28", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestSubmitNotifiesTriggerEngine(t *testing.T) {
	transport := serialio.NewDryRunTransport()
	trig := &recordingTrigger{}
	s := NewSession(transport, trig, nil, log.NoopLogger{}, Config{})
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.Submit(handler.ClientInfo{}, "M8", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"M8"}, trig.seen())
}

func TestSubmitAnswersEveryConcurrentCommand(t *testing.T) {
	s, _ := newTestSession(t, Config{})

	const n = 20
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Submit(handler.ClientInfo{}, "G1", nil)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, "ok", r)
	}
}

func TestSubmitTimesOutWhenDeviceSilent(t *testing.T) {
	s, transport := newTestSession(t, Config{CommandTimeout: 50 * time.Millisecond})
	transport.SetWithholdResponses(true)

	_, err := s.Submit(handler.ClientInfo{}, "G28", nil)
	require.ErrorIs(t, err, ErrDeviceTimeout)
}

func TestSubmitForwardsInformationalLinesBeforeTerminal(t *testing.T) {
	s, transport := newTestSession(t, Config{})
	transport.SetWithholdResponses(true)

	var forwarded []string
	done := make(chan struct{})
	go func() {
		resp, err := s.Submit(handler.ClientInfo{}, "G28", func(line string) {
			forwarded = append(forwarded, line)
		})
		require.NoError(t, err)
		require.Equal(t, "ok", resp)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	transport.PushResponse("Grbl 1.1h ['$' for help]")
	transport.SetWithholdResponses(false)
	transport.PushResponse("ok")

	<-done
	require.Equal(t, []string{"Grbl 1.1h ['$' for help]"}, forwarded)
}

func TestSubmitAfterStopReturnsServiceStopped(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	require.NoError(t, s.Stop())

	_, err := s.Submit(handler.ClientInfo{}, "G28", nil)
	require.ErrorIs(t, err, ErrServiceStopped)
}

func TestLivenessProberMarksHealthyOnStatusReport(t *testing.T) {
	s, _ := newTestSession(t, Config{ProbePeriod: 30 * time.Millisecond})
	time.Sleep(100 * time.Millisecond)
	require.True(t, s.Healthy())
}

func TestLivenessProberMarksUnhealthyOnTimeout(t *testing.T) {
	s, transport := newTestSession(t, Config{ProbePeriod: 30 * time.Millisecond})
	transport.SetWithholdResponses(true)
	time.Sleep(200 * time.Millisecond)
	require.False(t, s.Healthy())
}

func TestSwallowRealtimeOkDiscardsOkDuringProbe(t *testing.T) {
	transport := serialio.NewDryRunTransport()
	s := NewSession(transport, nil, nil, log.NoopLogger{}, Config{
		ProbePeriod:       30 * time.Millisecond,
		SwallowRealtimeOk: true,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	// The dry-run transport always answers "?" with a status frame, so the
	// prober should stay healthy despite any stray "ok" injected alongside.
	transport.PushResponse("ok")
	time.Sleep(150 * time.Millisecond)
	require.True(t, s.Healthy())
}

func TestOnTransportLostFiresOnUnexpectedClose(t *testing.T) {
	transport := serialio.NewDryRunTransport()
	s := NewSession(transport, nil, nil, log.NoopLogger{}, Config{})

	lost := make(chan struct{})
	s.OnTransportLost(func() { close(lost) })

	require.NoError(t, s.Start())
	defer s.Stop()

	// Simulate the device vanishing at runtime, without going through
	// Session.Stop.
	require.NoError(t, transport.Close())

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("OnTransportLost callback never fired")
	}
}

func TestOnTransportLostDoesNotFireOnDeliberateStop(t *testing.T) {
	transport := serialio.NewDryRunTransport()
	s := NewSession(transport, nil, nil, log.NoopLogger{}, Config{})

	var fired atomic.Bool
	s.OnTransportLost(func() { fired.Store(true) })

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	time.Sleep(20 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestResponseClassification(t *testing.T) {
	cases := []struct {
		line string
		want ResponseClass
	}{
		{"ok", ClassAcknowledgement},
		{"ok\r", ClassAcknowledgement},
		{"error:9", ClassError},
		{"ALARM:1", ClassError},
		{"<Idle|MPos:0.000,0.000,0.000>", ClassStatusReport},
		{"Grbl 1.1h ['$' for help]", ClassInformational},
	}
	for _, c := range cases {
		require.Equal(t, c.want, classify(c.line), "line %q", c.line)
	}
}
