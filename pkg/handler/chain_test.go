package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nc-tools/gcodeproxy/pkg/log"
)

type recordingLogger struct {
	events []log.Event
}

func (r *recordingLogger) Log(e log.Event) { r.events = append(r.events, e) }

type upperReceived struct {
	NoopHandlers
}

func (upperReceived) OnGCodeReceived(_ ClientInfo, line string) string {
	return line + "!"
}

type panicsOnReceived struct {
	NoopHandlers
}

func (panicsOnReceived) OnGCodeReceived(ClientInfo, string) string {
	panic("boom")
}

func TestChainHandlersAppliesInOrder(t *testing.T) {
	chain := NewChainHandlers(log.NoopLogger{}, upperReceived{}, upperReceived{})
	out := chain.OnGCodeReceived(ClientInfo{}, "G28")
	require.Equal(t, "G28!!", out)
}

func TestChainHandlersRecoversFromPanic(t *testing.T) {
	logger := &recordingLogger{}
	chain := NewChainHandlers(logger, panicsOnReceived{}, upperReceived{})

	out := chain.OnGCodeReceived(ClientInfo{ConnectionID: "c1"}, "G28")

	// panicsOnReceived leaves the value unmodified; upperReceived still runs.
	require.Equal(t, "G28!", out)
	require.Len(t, logger.events, 1)
	require.NotNil(t, logger.events[0].Error)
	require.Equal(t, "c1", logger.events[0].ConnectionID)
}

func TestChainHandlersEmptyChain(t *testing.T) {
	chain := NewChainHandlers(log.NoopLogger{})
	require.Equal(t, "G28", chain.OnGCodeReceived(ClientInfo{}, "G28"))
	require.Equal(t, "ok", chain.OnResponseReceived(ClientInfo{}, "ok", "G28"))
}

func TestChainHandlersInterfaceSatisfaction(t *testing.T) {
	var _ Handlers = (*ChainHandlers)(nil)
}
