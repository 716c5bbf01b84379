// Package process runs one turn of an agent against the external model
// process and translates its output into events.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/events"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultBinary is the agent process used when Config.Binary is empty.
const DefaultBinary = "claude"

const maxLineSize = 16 * 1024 * 1024

// Request is the input for one invocation.
type Request struct {
	AgentID      string
	Model        string
	SystemPrompt string
	Message      string
}

// ArgsBuilder builds the command line arguments for a request.
type ArgsBuilder func(req Request) []string

// DefaultArgs asks the agent CLI for newline-delimited JSON with partial
// message deltas.
func DefaultArgs(req Request) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	return append(args, req.Message)
}

// InvokeFunc runs one turn and reports the result. It publishes exactly one
// terminal event and never returns an error; failures are Errored events.
type InvokeFunc func(ctx context.Context, req Request, pub events.Publisher) (string, bool)

// Config configures a Session.
type Config struct {
	Binary string
	Args   ArgsBuilder
	// Env is added on top of the current process environment.
	Env map[string]string
	Dir string
	// DropUnrecognizedObjects discards JSON objects that carry no text delta
	// instead of streaming them as raw text.
	DropUnrecognizedObjects bool
	Logger                  zerolog.Logger
}

// Session spawns the agent binary, one process per Invoke.
type Session struct {
	binary     string
	args       ArgsBuilder
	env        []string
	dir        string
	dropObject bool
	logger     zerolog.Logger
}

// NewSession creates a Session from cfg.
func NewSession(cfg Config) *Session {
	observability.EnsureRegistered()

	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := cfg.Args
	if args == nil {
		args = DefaultArgs
	}

	return &Session{
		binary:     binary,
		args:       args,
		env:        buildEnvironment(cfg.Env),
		dir:        cfg.Dir,
		dropObject: cfg.DropUnrecognizedObjects,
		logger:     cfg.Logger.With().Str("component", "process").Str("binary", binary).Logger(),
	}
}

// Binary returns the executable this session spawns.
func (s *Session) Binary() string {
	return s.binary
}

type discard struct{}

func (discard) Publish(events.Event) {}

// buildEnvironment returns nil when there is nothing to add so the child
// inherits the environment unchanged.
func buildEnvironment(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, extra[key]))
	}
	return env
}

// Invoke runs one turn for req.AgentID, publishing Started, then a Streaming
// event per chunk, then Completed or Errored. ctx carries tracing values only;
// the process is not cancelled when ctx is done.
func (s *Session) Invoke(ctx context.Context, req Request, pub events.Publisher) (string, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if pub == nil {
		pub = discard{}
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.process",
		"process.invoke",
		attribute.String("binary", s.binary),
		attribute.String("model", req.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("agent_id", req.AgentID).Logger()

	fail := func(reason, message string) (string, bool) {
		span.SetStatus(codes.Error, message)
		observability.RecordProcessFailure(req.AgentID, reason)
		logger.Error().Str("reason", reason).Msg(message)
		pub.Publish(events.Errored{AgentID: req.AgentID, Message: message})
		return "", false
	}

	pub.Publish(events.Started{AgentID: req.AgentID})

	cmd := exec.Command(s.binary, s.args(req)...)
	cmd.Dir = s.dir
	cmd.Env = s.env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		return fail("pipe_failed", fmt.Sprintf("failed to open stdout of %s: %v", s.binary, err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return fail("start_failed", fmt.Sprintf("failed to start %s: %v", s.binary, err))
	}

	logger.Debug().Int("pid", cmd.Process.Pid).Msg("Agent process started")

	var text strings.Builder
	chunks := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		chunk, kind := ParseLine(scanner.Text())
		switch kind {
		case LineEmpty:
			continue
		case LineDelta:
			if chunk == "" {
				continue
			}
		case LineObject:
			if s.dropObject {
				logger.Debug().Str("line", chunk).Msg("Dropping unrecognized stream object")
				continue
			}
			fallthrough
		case LineRaw:
			logger.Debug().Str("line", chunk).Msg("Unrecognized stream line, using raw text")
		}

		text.WriteString(chunk)
		chunks++
		observability.RecordStreamChunk(req.AgentID, kind != LineDelta)
		pub.Publish(events.Streaming{AgentID: req.AgentID, Chunk: chunk})
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		// The process may be blocked writing to a pipe nobody reads.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fail("read_failed", fmt.Sprintf("failed to read output of %s: %v", s.binary, err))
	}

	err = cmd.Wait()
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("chunks", chunks))

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			span.RecordError(err)
			return fail("wait_failed", fmt.Sprintf("%s failed: %v", s.binary, err))
		}

		code := exitErr.ExitCode()
		observability.RecordProcessExit(req.AgentID, code)
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			if code < 0 {
				// Killed by a signal; ExitCode carries no status.
				message = fmt.Sprintf("%s was stopped (%s)", s.binary, exitErr.String())
			} else {
				message = fmt.Sprintf("%s exited with code %d", s.binary, code)
			}
		}

		span.SetAttributes(attribute.Int("exit_code", code))
		span.SetStatus(codes.Error, message)
		logger.Warn().
			Int("exit_code", code).
			Dur("duration", duration).
			Msg("Agent process failed")
		pub.Publish(events.Errored{AgentID: req.AgentID, Message: message})
		return "", false
	}

	observability.RecordProcessExit(req.AgentID, 0)
	span.SetAttributes(attribute.Int("exit_code", 0))

	result := text.String()
	logger.Debug().
		Int("chunks", chunks).
		Int("length", len(result)).
		Dur("duration", duration).
		Msg("Agent process completed")

	pub.Publish(events.Completed{AgentID: req.AgentID, Text: result})
	return result, true
}
