package verify

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	spec   RunSpec
	result RunResult
	err    error
}

func (f *fakeBackend) Run(_ context.Context, spec RunSpec) (*RunResult, error) {
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	out := f.result
	return &out, nil
}

func delivery(t *testing.T, doc any) Delivery {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return Delivery{Result: raw}
}

func TestValidateSuite_Limits(t *testing.T) {
	tooMany := &Suite{Tests: make([]Test, MaxTests+1)}
	assert.ErrorIs(t, ValidateSuite(tooMany, time.Minute, 512), ErrTooManyTests)

	longExpr := &Suite{Tests: []Test{{
		Type:       TestAssertion,
		Expression: string(make([]byte, MaxExpressionLen+1)),
	}}}
	assert.ErrorIs(t, ValidateSuite(longExpr, time.Minute, 512), ErrExpressionTooLong)

	badType := &Suite{Tests: []Test{{Type: "grep"}}}
	assert.ErrorIs(t, ValidateSuite(badType, time.Minute, 512), ErrUnknownTestType)

	badThreshold := &Suite{PassThreshold: json.RawMessage(`"most"`)}
	assert.ErrorIs(t, ValidateSuite(badThreshold, time.Minute, 512), ErrBadThreshold)
}

func TestValidateSuite_Script(t *testing.T) {
	src := base64.StdEncoding.EncodeToString([]byte("import sys; sys.exit(0)"))

	ok := &Suite{Script: &Script{Runtime: "python:3.13", Source: src}}
	assert.NoError(t, ValidateSuite(ok, time.Minute, 512))

	unknown := &Suite{Script: &Script{Runtime: "perl:5", Source: src}}
	assert.ErrorIs(t, ValidateSuite(unknown, time.Minute, 512), ErrUnknownRuntime)

	big := base64.StdEncoding.EncodeToString(make([]byte, MaxScriptBytes+1))
	huge := &Suite{Script: &Script{Runtime: "bash", Source: big}}
	assert.ErrorIs(t, ValidateSuite(huge, time.Minute, 512), ErrScriptTooLarge)

	slow := &Suite{Script: &Script{Runtime: "bash", Source: src, TimeoutSeconds: 120}}
	assert.Error(t, ValidateSuite(slow, time.Minute, 512))
}

func TestRun_JSONSchema(t *testing.T) {
	svc := NewService(nil)
	suite := &Suite{Tests: []Test{{
		Type:   TestJSONSchema,
		Schema: json.RawMessage(`{"type":"object","required":["items"]}`),
	}}}

	report, err := svc.Run(context.Background(), suite, delivery(t, map[string]any{"items": []any{}}))
	require.NoError(t, err)
	assert.True(t, report.Passed)

	report, err = svc.Run(context.Background(), suite, delivery(t, map[string]any{"other": 1}))
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.Results[0].Detail)
}

func TestRun_CountAndContains(t *testing.T) {
	svc := NewService(nil)
	doc := map[string]any{
		"items":   []any{"a", "b", "c"},
		"summary": map[string]any{"text": "all systems nominal"},
	}
	suite := &Suite{Tests: []Test{
		{Type: TestCountGTE, Path: "items", Count: 3},
		{Type: TestCountLTE, Path: "items", Count: 5},
		{Type: TestContains, Path: "summary.text", Substring: "nominal"},
		{Type: TestContains, Path: "summary.text", Regex: `^all \w+`},
	}}

	report, err := svc.Run(context.Background(), suite, delivery(t, doc))
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Len(t, report.Results, 4)
}

func TestRun_Assertion(t *testing.T) {
	svc := NewService(nil)
	doc := map[string]any{"score": 0.93, "items": []any{"a", "b"}}
	suite := &Suite{Tests: []Test{
		{Type: TestAssertion, Expression: `output.score > 0.9 && len(output.items) == 2`},
	}}

	report, err := svc.Run(context.Background(), suite, delivery(t, doc))
	require.NoError(t, err)
	assert.True(t, report.Passed)

	suite.Tests[0].Expression = `output.score > 0.99`
	report, err = svc.Run(context.Background(), suite, delivery(t, doc))
	require.NoError(t, err)
	assert.False(t, report.Passed)
}

func TestRun_Checksum(t *testing.T) {
	svc := NewService(nil)

	// Checksum is over the canonical (key-sorted, compact) encoding, so key
	// order in the delivered payload must not matter.
	sum := sha256.Sum256([]byte(`{"a":1,"b":2}`))
	suite := &Suite{Tests: []Test{{Type: TestChecksum, SHA256: hex.EncodeToString(sum[:])}}}

	report, err := svc.Run(context.Background(), suite, Delivery{Result: json.RawMessage(`{"b":2,"a":1}`)})
	require.NoError(t, err)
	assert.True(t, report.Passed)

	report, err = svc.Run(context.Background(), suite, delivery(t, map[string]any{"a": 1, "b": 3}))
	require.NoError(t, err)
	assert.False(t, report.Passed)
}

func TestRun_LatencyAndStatus(t *testing.T) {
	svc := NewService(nil)
	suite := &Suite{Tests: []Test{
		{Type: TestLatencyLTE, MaxLatencyMs: 500},
		{Type: TestHTTPStatus, Status: 200},
	}}

	del := delivery(t, map[string]any{})
	del.LatencyMs = 120
	del.HTTPStatus = 200
	report, err := svc.Run(context.Background(), suite, del)
	require.NoError(t, err)
	assert.True(t, report.Passed)

	del.LatencyMs = 900
	report, err = svc.Run(context.Background(), suite, del)
	require.NoError(t, err)
	assert.False(t, report.Passed)
}

func TestRun_Thresholds(t *testing.T) {
	svc := NewService(nil)
	tests := []Test{
		{Type: TestAssertion, Expression: `output.x == 1`},
		{Type: TestAssertion, Expression: `output.x == 2`},
		{Type: TestAssertion, Expression: `output.x < 5`},
	}
	del := delivery(t, map[string]any{"x": 1})

	all := &Suite{Tests: tests, PassThreshold: json.RawMessage(`"all"`)}
	report, err := svc.Run(context.Background(), all, del)
	require.NoError(t, err)
	assert.False(t, report.Passed, "2 of 3 fails under all")

	majority := &Suite{Tests: tests, PassThreshold: json.RawMessage(`"majority"`)}
	report, err = svc.Run(context.Background(), majority, del)
	require.NoError(t, err)
	assert.True(t, report.Passed)

	minPass := &Suite{Tests: tests, PassThreshold: json.RawMessage(`{"min_pass":3}`)}
	report, err = svc.Run(context.Background(), minPass, del)
	require.NoError(t, err)
	assert.False(t, report.Passed)
}

func TestRun_Script(t *testing.T) {
	backend := &fakeBackend{result: RunResult{ExitCode: 0, Output: []byte("ok\n"), Duration: 1200 * time.Millisecond}}
	svc := NewService(backend)

	suite := &Suite{Script: &Script{
		Runtime: "python:3.13",
		Source:  base64.StdEncoding.EncodeToString([]byte("print('ok')")),
	}}
	report, err := svc.Run(context.Background(), suite, delivery(t, map[string]any{"x": 1}))
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "python:3.13-slim", backend.spec.Image)
	assert.Equal(t, []string{"python", "/input/script.py"}, backend.spec.Command)
	assert.Equal(t, "print('ok')", string(backend.spec.Script))
	assert.InDelta(t, 1.2, report.CPUSeconds, 0.2)

	backend.result = RunResult{ExitCode: 1, Output: []byte("boom")}
	report, err = svc.Run(context.Background(), suite, delivery(t, map[string]any{}))
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, 1, report.Script.ExitCode)
}

func TestRun_ScriptOutputTruncated(t *testing.T) {
	big := make([]byte, MaxOutputBytes)
	for i := range big {
		big[i] = 'x'
	}
	backend := &fakeBackend{result: RunResult{ExitCode: 0, Output: big}}
	svc := NewService(backend)

	suite := &Suite{Script: &Script{
		Runtime: "bash",
		Source:  base64.StdEncoding.EncodeToString([]byte("true")),
	}}
	report, err := svc.Run(context.Background(), suite, delivery(t, map[string]any{}))
	require.NoError(t, err)
	assert.Len(t, report.Script.Output, OutputTruncateAPI)
}

func TestRun_ScriptTimeoutFails(t *testing.T) {
	backend := &fakeBackend{result: RunResult{ExitCode: -1, TimedOut: true, Duration: 30 * time.Second}}
	svc := NewService(backend)

	suite := &Suite{
		Tests: []Test{{Type: TestAssertion, Expression: `output.x == 1`}},
		Script: &Script{
			Runtime: "node:20",
			Source:  base64.StdEncoding.EncodeToString([]byte("while(1){}")),
		},
	}
	report, err := svc.Run(context.Background(), suite, delivery(t, map[string]any{"x": 1}))
	require.NoError(t, err)
	assert.False(t, report.Passed, "timed out script fails the suite even when tests pass")
	assert.True(t, report.Script.TimedOut)
	assert.Greater(t, report.CPUSeconds, 29.0, "fee basis includes the timed out run")
}
