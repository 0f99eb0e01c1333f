package trigger

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nc-tools/gcodeproxy/pkg/log"
)

// DefaultShutdownGrace is how long Shutdown waits for in-flight subprocesses
// before returning, leaving survivors to the OS.
const DefaultShutdownGrace = 5 * time.Second

// stderrTailLimit bounds how much captured stderr is kept for logging.
const stderrTailLimit = 2048

// Engine holds a compiled, immutable rule table and evaluates outgoing
// commands against it, spawning detached subprocesses on match.
type Engine struct {
	rules  []Rule
	logger log.Logger

	wg sync.WaitGroup
}

// NewEngine compiles configs into an Engine. A compile failure for any rule
// aborts construction; spec.md requires this to fail startup before any
// connection is accepted.
func NewEngine(logger log.Logger, configs []RuleConfig) (*Engine, error) {
	rules := make([]Rule, 0, len(configs))
	for _, cfg := range configs {
		rule, err := compileRule(cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Engine{rules: rules, logger: logger}, nil
}

// Evaluate scans all rules against command, in configuration order. Every
// matching rule fires (not just the first); matching is synchronous and
// fast, spawning is detached and does not block the caller.
func (e *Engine) Evaluate(command string) {
	stripped := strings.TrimSpace(command)
	for _, rule := range e.rules {
		if rule.matches(stripped) {
			e.spawn(rule)
		}
	}
}

// spawn runs rule.Command through a system shell in a tracked goroutine.
func (e *Engine) spawn(rule Rule) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(rule)
	}()
}

func (e *Engine) execute(rule Rule) {
	e.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTrigger,
		Category:  log.CategoryTrigger,
		Trigger: &log.TriggerEvent{
			RuleID:  rule.ID,
			Command: rule.Command,
			Started: true,
		},
	})

	cmd := exec.Command("/bin/sh", "-c", rule.Command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	tail := stderr.String()
	if len(tail) > stderrTailLimit {
		tail = tail[len(tail)-stderrTailLimit:]
	}
	tail = strings.TrimSpace(tail)

	e.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTrigger,
		Category:  log.CategoryTrigger,
		Trigger: &log.TriggerEvent{
			RuleID:     rule.ID,
			Command:    rule.Command,
			Started:    false,
			ExitCode:   exitCode,
			StderrTail: tail,
		},
	})
}

// Shutdown awaits all in-flight subprocess spawns for up to grace; any that
// are still running at the end of that window are left to the OS.
func (e *Engine) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}
