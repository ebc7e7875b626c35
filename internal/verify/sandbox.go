package verify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/moltworks/agora/internal/metrics"
)

// runtimeSpec maps a declared runtime to its container image and entry
// command. The script is mounted read-only under /input.
type runtimeSpec struct {
	image   string
	command []string
	file    string
}

var runtimeImages = map[string]runtimeSpec{
	"python:3.13": {image: "python:3.13-slim", command: []string{"python", "/input/script.py"}, file: "script.py"},
	"python:3.12": {image: "python:3.12-slim", command: []string{"python", "/input/script.py"}, file: "script.py"},
	"node:20":     {image: "node:20", command: []string{"node", "/input/script.js"}, file: "script.js"},
	"node:22":     {image: "node:22", command: []string{"node", "/input/script.js"}, file: "script.js"},
	"bash":        {image: "bash:5", command: []string{"bash", "/input/script.sh"}, file: "script.sh"},
	"ruby:3.3":    {image: "ruby:3.3", command: []string{"ruby", "/input/script.rb"}, file: "script.rb"},
}

// RunSpec describes one sandbox execution.
type RunSpec struct {
	Image      string
	Command    []string
	ScriptFile string // filename under /input
	Script     []byte
	Input      []byte // result document, mounted at /input/result.json
	Timeout    time.Duration
	MemoryMB   int64
}

// RunResult is the outcome of a sandbox execution.
type RunResult struct {
	ExitCode int
	Output   []byte // combined stdout/stderr, capped at MaxOutputBytes
	TimedOut bool
	Duration time.Duration
}

// Backend executes sandbox runs. The production implementation talks to a
// local Docker daemon; tests use a fake.
type Backend interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// Service runs verification suites.
type Service struct {
	backend        Backend
	defaultTimeout time.Duration
	defaultMemory  int64
	logger         *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDefaults overrides the default script timeout and memory limit.
func WithDefaults(timeout time.Duration, memoryMB int64) Option {
	return func(s *Service) {
		s.defaultTimeout = timeout
		s.defaultMemory = memoryMB
	}
}

// NewService creates a verification service. backend may be nil if no
// suite will ever carry a script (scripts then fail verification).
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:        backend,
		defaultTimeout: 60 * time.Second,
		defaultMemory:  256,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes a suite against a delivery. Both the declarative tests and
// the script (when present) must pass. The returned report always carries
// the CPU seconds consumed so the verification fee can be charged even
// when the run fails.
func (s *Service) Run(ctx context.Context, suite *Suite, del Delivery) (*Report, error) {
	report := &Report{Passed: true}
	start := time.Now()

	if len(suite.Tests) > 0 {
		passed, results, err := runTests(suite, del)
		if err != nil {
			return nil, err
		}
		report.Results = results
		report.Passed = passed
	}
	report.CPUSeconds = time.Since(start).Seconds()

	if suite.Script != nil {
		scriptResult, err := s.runScript(ctx, suite.Script, del)
		if err != nil {
			return nil, err
		}
		report.Script = scriptResult
		report.CPUSeconds += scriptResult.Duration
		if scriptResult.ExitCode != 0 || scriptResult.TimedOut {
			report.Passed = false
		}
	}

	result := "failed"
	if report.Passed {
		result = "passed"
	}
	metrics.SandboxRunDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	s.logger.Info("verification suite ran",
		"tests", len(suite.Tests),
		"script", suite.Script != nil,
		"passed", report.Passed,
		"cpu_seconds", report.CPUSeconds,
	)
	return report, nil
}

func (s *Service) runScript(ctx context.Context, script *Script, del Delivery) (*ScriptResult, error) {
	if s.backend == nil {
		return nil, fmt.Errorf("no sandbox backend configured")
	}
	rt, ok := runtimeImages[script.Runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, script.Runtime)
	}
	source, err := base64.StdEncoding.DecodeString(script.Source)
	if err != nil {
		return nil, fmt.Errorf("script source is not valid base64")
	}

	timeout := s.defaultTimeout
	if script.TimeoutSeconds > 0 {
		timeout = time.Duration(script.TimeoutSeconds) * time.Second
	}
	memory := s.defaultMemory
	if script.MemoryMB > 0 {
		memory = script.MemoryMB
	}

	result, err := s.backend.Run(ctx, RunSpec{
		Image:      rt.image,
		Command:    rt.command,
		ScriptFile: rt.file,
		Script:     source,
		Input:      del.Result,
		Timeout:    timeout,
		MemoryMB:   memory,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox run: %w", err)
	}

	output := result.Output
	if len(output) > OutputTruncateAPI {
		output = output[:OutputTruncateAPI]
	}
	return &ScriptResult{
		ExitCode: result.ExitCode,
		Output:   string(output),
		TimedOut: result.TimedOut,
		Duration: result.Duration.Seconds(),
	}, nil
}
