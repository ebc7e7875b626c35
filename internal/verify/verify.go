// Package verify runs acceptance checks against job deliverables.
//
// A job may attach a verification suite: up to 20 declarative tests plus
// an optional sandboxed script. Declarative tests run in-process; scripts
// run in a locked-down container and pass when they exit 0.
package verify

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTooManyTests      = errors.New("suite exceeds the 20 test limit")
	ErrUnknownTestType   = errors.New("unknown test type")
	ErrBadThreshold      = errors.New("invalid pass threshold")
	ErrExpressionTooLong = errors.New("assertion expression exceeds 500 characters")
	ErrScriptTooLarge    = errors.New("script exceeds 1 MiB")
	ErrUnknownRuntime    = errors.New("runtime is not in the allowed set")
)

// Limits on suites and sandbox runs.
const (
	MaxTests          = 20
	MaxExpressionLen  = 500
	MaxScriptBytes    = 1 << 20
	MaxOutputBytes    = 64 << 10
	OutputTruncateAPI = 2 << 10
	KillGrace         = 5 * time.Second
)

// Test types.
const (
	TestJSONSchema = "json_schema"
	TestCountGTE   = "count_gte"
	TestCountLTE   = "count_lte"
	TestAssertion  = "assertion"
	TestContains   = "contains"
	TestLatencyLTE = "latency_lte"
	TestHTTPStatus = "http_status"
	TestChecksum   = "checksum"
)

// Suite is the verification plan attached to a job.
type Suite struct {
	Tests         []Test          `json:"tests,omitempty"`
	PassThreshold json.RawMessage `json:"pass_threshold,omitempty"` // "all" | "majority" | {"min_pass": N}
	Script        *Script         `json:"script,omitempty"`
}

// Test is one declarative check against the delivered result.
type Test struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`

	// json_schema
	Schema json.RawMessage `json:"schema,omitempty"`

	// count_gte / count_lte / contains: dot path into the result document
	Path string `json:"path,omitempty"`

	// count_gte / count_lte
	Count int `json:"count,omitempty"`

	// assertion: boolean expression over the delivered document, bound
	// as "output"
	Expression string `json:"expression,omitempty"`

	// contains
	Substring string `json:"substring,omitempty"`
	Regex     string `json:"regex,omitempty"`

	// latency_lte
	MaxLatencyMs int64 `json:"max_latency_ms,omitempty"`

	// http_status
	Status int `json:"status,omitempty"`

	// checksum
	SHA256 string `json:"sha256,omitempty"`
}

// Script is a sandboxed verification program. It receives the result
// document at /input/result.json and passes by exiting 0.
type Script struct {
	Runtime        string `json:"runtime"`
	Source         string `json:"source"` // base64
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MemoryMB       int64  `json:"memory_mb,omitempty"`
}

// Delivery is the deliverable under test.
type Delivery struct {
	Result     json.RawMessage
	LatencyMs  int64
	HTTPStatus int
}

// TestResult records one test's outcome.
type TestResult struct {
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ScriptResult records the sandbox run.
type ScriptResult struct {
	ExitCode int     `json:"exit_code"`
	Output   string  `json:"output,omitempty"` // truncated for API responses
	TimedOut bool    `json:"timed_out"`
	Duration float64 `json:"duration_seconds"`
}

// Report is the combined verification outcome.
type Report struct {
	Passed     bool          `json:"passed"`
	Results    []TestResult  `json:"results,omitempty"`
	Script     *ScriptResult `json:"script,omitempty"`
	CPUSeconds float64       `json:"cpu_seconds"`
}

// threshold is the parsed pass_threshold.
type threshold struct {
	all      bool
	majority bool
	minPass  int
}

func parseThreshold(raw json.RawMessage) (threshold, error) {
	if len(raw) == 0 {
		return threshold{all: true}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "all":
			return threshold{all: true}, nil
		case "majority":
			return threshold{majority: true}, nil
		}
		return threshold{}, ErrBadThreshold
	}
	var obj struct {
		MinPass int `json:"min_pass"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.MinPass < 1 {
		return threshold{}, ErrBadThreshold
	}
	return threshold{minPass: obj.MinPass}, nil
}

func (th threshold) met(passed, total int) bool {
	switch {
	case th.all:
		return passed == total
	case th.majority:
		return passed*2 > total
	default:
		return passed >= th.minPass
	}
}

// ValidateSuite checks a suite against platform limits before a job will
// accept it.
func ValidateSuite(s *Suite, maxTimeout time.Duration, maxMemoryMB int64) error {
	if len(s.Tests) > MaxTests {
		return ErrTooManyTests
	}
	if _, err := parseThreshold(s.PassThreshold); err != nil {
		return err
	}
	for i, t := range s.Tests {
		if err := validateTest(t); err != nil {
			return fmt.Errorf("test %d: %w", i, err)
		}
	}
	if s.Script != nil {
		if err := validateScript(s.Script, maxTimeout, maxMemoryMB); err != nil {
			return err
		}
	}
	return nil
}

func validateTest(t Test) error {
	switch t.Type {
	case TestJSONSchema:
		if len(t.Schema) == 0 {
			return fmt.Errorf("json_schema test requires a schema")
		}
	case TestCountGTE, TestCountLTE:
		if t.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case TestAssertion:
		if t.Expression == "" {
			return fmt.Errorf("assertion test requires an expression")
		}
		if len(t.Expression) > MaxExpressionLen {
			return ErrExpressionTooLong
		}
	case TestContains:
		if t.Substring == "" && t.Regex == "" {
			return fmt.Errorf("contains test requires a substring or regex")
		}
	case TestLatencyLTE:
		if t.MaxLatencyMs <= 0 {
			return fmt.Errorf("latency_lte requires max_latency_ms")
		}
	case TestHTTPStatus:
		if t.Status < 100 || t.Status > 599 {
			return fmt.Errorf("http_status requires a valid status code")
		}
	case TestChecksum:
		if len(t.SHA256) != 64 {
			return fmt.Errorf("checksum requires a 64 hex char sha256")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTestType, t.Type)
	}
	return nil
}

func validateScript(s *Script, maxTimeout time.Duration, maxMemoryMB int64) error {
	if _, ok := runtimeImages[s.Runtime]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRuntime, s.Runtime)
	}
	src, err := base64.StdEncoding.DecodeString(s.Source)
	if err != nil {
		return fmt.Errorf("script source is not valid base64")
	}
	if len(src) > MaxScriptBytes {
		return ErrScriptTooLarge
	}
	if s.TimeoutSeconds < 0 || time.Duration(s.TimeoutSeconds)*time.Second > maxTimeout {
		return fmt.Errorf("script timeout exceeds the %s ceiling", maxTimeout)
	}
	if s.MemoryMB < 0 || s.MemoryMB > maxMemoryMB {
		return fmt.Errorf("script memory exceeds the %d MiB ceiling", maxMemoryMB)
	}
	return nil
}
