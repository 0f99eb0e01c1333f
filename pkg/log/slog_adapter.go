package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger for console/development use.
// Trigger events are the exception: spec.md §6 fixes their console format
// to an exact "LEVEL - message" string for operator tooling, so those
// bypass slog's own formatting entirely and are written to out verbatim.
type SlogAdapter struct {
	logger *slog.Logger
	out    io.Writer
}

// NewSlogAdapter creates a SlogAdapter. logger receives every other event's
// structured attributes; out receives trigger events' fixed-format lines.
func NewSlogAdapter(logger *slog.Logger, out io.Writer) *SlogAdapter {
	return &SlogAdapter{logger: logger, out: out}
}

// Log writes the event. Trigger start/success/failure lines are rendered
// verbatim to out; every other event goes to the slog logger at a level
// derived from its category.
func (a *SlogAdapter) Log(event Event) {
	if event.Trigger != nil {
		fmt.Fprintln(a.out, triggerLogLine(event.Trigger))
		return
	}

	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}
	if event.Direction != DirectionNone {
		attrs = append(attrs, slog.String("direction", event.Direction.String()))
	}
	if event.Sequence != 0 {
		attrs = append(attrs, slog.Uint64("seq", event.Sequence))
	}

	level := slog.LevelDebug
	msg := "event"

	switch {
	case event.Command != nil:
		attrs = append(attrs, slog.String("line", event.Command.Line))
		if event.Command.ResponseClass != "" {
			attrs = append(attrs, slog.String("response_class", event.Command.ResponseClass))
		}
		if event.Command.Probe {
			attrs = append(attrs, slog.Bool("probe", true))
		}
	case event.StateChange != nil:
		level = slog.LevelInfo
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Raw != nil:
		attrs = append(attrs, slog.String("raw", string(event.Raw.Data)))
	case event.Error != nil:
		level = slog.LevelError
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// triggerLogLine renders a trigger start/success/failure event into
// spec.md §6's fixed console format, independent of any slog handler.
func triggerLogLine(t *TriggerEvent) string {
	switch {
	case t.Started:
		return fmt.Sprintf("INFO - Executing trigger '%s': %s", t.RuleID, t.Command)
	case t.ExitCode == 0:
		return fmt.Sprintf("INFO - Trigger '%s' executed successfully (exit code: 0)", t.RuleID)
	default:
		return fmt.Sprintf("ERROR - Trigger '%s' failed with exit code %d: %s", t.RuleID, t.ExitCode, t.StderrTail)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
