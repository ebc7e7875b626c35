package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// runTests evaluates the declarative tests against a delivery and reports
// whether the threshold was met.
func runTests(suite *Suite, del Delivery) (bool, []TestResult, error) {
	th, err := parseThreshold(suite.PassThreshold)
	if err != nil {
		return false, nil, err
	}

	var doc any
	if len(del.Result) > 0 {
		if err := json.Unmarshal(del.Result, &doc); err != nil {
			return false, nil, fmt.Errorf("result is not valid JSON: %w", err)
		}
	}

	results := make([]TestResult, 0, len(suite.Tests))
	passed := 0
	for _, t := range suite.Tests {
		ok, detail := runTest(t, doc, del)
		if ok {
			passed++
		}
		results = append(results, TestResult{Name: t.Name, Type: t.Type, Passed: ok, Detail: detail})
	}
	return th.met(passed, len(suite.Tests)), results, nil
}

func runTest(t Test, doc any, del Delivery) (bool, string) {
	switch t.Type {
	case TestJSONSchema:
		return runJSONSchema(t, del.Result)
	case TestCountGTE, TestCountLTE:
		return runCount(t, doc)
	case TestAssertion:
		return runAssertion(t, doc)
	case TestContains:
		return runContains(t, doc)
	case TestLatencyLTE:
		if del.LatencyMs <= t.MaxLatencyMs {
			return true, ""
		}
		return false, fmt.Sprintf("latency %dms exceeds %dms", del.LatencyMs, t.MaxLatencyMs)
	case TestHTTPStatus:
		if del.HTTPStatus == t.Status {
			return true, ""
		}
		return false, fmt.Sprintf("status %d, expected %d", del.HTTPStatus, t.Status)
	case TestChecksum:
		return runChecksum(t, doc)
	}
	return false, "unknown test type"
}

func runJSONSchema(t Test, result json.RawMessage) (bool, string) {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.Schema)))
	if err != nil {
		return false, fmt.Sprintf("schema is not valid JSON: %v", err)
	}
	if err := compiler.AddResource("suite://schema.json", schemaDoc); err != nil {
		return false, fmt.Sprintf("schema rejected: %v", err)
	}
	schema, err := compiler.Compile("suite://schema.json")
	if err != nil {
		return false, fmt.Sprintf("schema does not compile: %v", err)
	}

	// Decode through the library's reader so numbers keep full precision.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(result)))
	if err != nil {
		return false, fmt.Sprintf("result is not valid JSON: %v", err)
	}
	if err := schema.Validate(value); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func runCount(t Test, doc any) (bool, string) {
	value, err := resolvePath(doc, t.Path)
	if err != nil {
		return false, err.Error()
	}
	arr, ok := value.([]any)
	if !ok {
		return false, fmt.Sprintf("value at %q is not an array", t.Path)
	}
	if t.Type == TestCountGTE {
		if len(arr) >= t.Count {
			return true, ""
		}
		return false, fmt.Sprintf("length %d < %d", len(arr), t.Count)
	}
	if len(arr) <= t.Count {
		return true, ""
	}
	return false, fmt.Sprintf("length %d > %d", len(arr), t.Count)
}

// runAssertion evaluates a boolean expression with the delivered document
// bound as "output". The expression language has no IO, imports or side
// effects, so the 500 character cap is the only additional guard needed.
func runAssertion(t Test, doc any) (bool, string) {
	env := map[string]any{"output": doc}
	program, err := expr.Compile(t.Expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Sprintf("expression does not compile: %v", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Sprintf("expression failed: %v", err)
	}
	ok, _ := out.(bool)
	if ok {
		return true, ""
	}
	return false, "assertion evaluated to false"
}

func runContains(t Test, doc any) (bool, string) {
	value, err := resolvePath(doc, t.Path)
	if err != nil {
		return false, err.Error()
	}
	s, ok := value.(string)
	if !ok {
		return false, fmt.Sprintf("value at %q is not a string", t.Path)
	}
	if t.Regex != "" {
		re, err := regexp.Compile(t.Regex)
		if err != nil {
			return false, fmt.Sprintf("invalid regex: %v", err)
		}
		if re.MatchString(s) {
			return true, ""
		}
		return false, "regex did not match"
	}
	if strings.Contains(s, t.Substring) {
		return true, ""
	}
	return false, "substring not found"
}

// runChecksum hashes the canonical encoding of the result: compact JSON
// with object keys sorted, which encoding/json produces for decoded maps.
func runChecksum(t Test, doc any) (bool, string) {
	canonical, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Sprintf("cannot canonicalize result: %v", err)
	}
	sum := sha256.Sum256(canonical)
	got := hex.EncodeToString(sum[:])
	if strings.EqualFold(got, t.SHA256) {
		return true, ""
	}
	return false, fmt.Sprintf("checksum %s does not match", got)
}

// resolvePath walks a dot path ("items.0.tags") through decoded JSON.
// An empty path returns the document itself.
func resolvePath(doc any, path string) (any, error) {
	if path == "" {
		return doc, nil
	}
	current := doc
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path %q not found", path)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("path %q not found", path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("path %q not found", path)
		}
	}
	return current, nil
}
