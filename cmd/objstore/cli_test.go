package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliResult struct {
	rc     int
	err    error
	lines  []string
	stderr string
}

func runCli(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	config := &CliConfig{
		Name:        "objstore",
		Description: "test",
		Exit: func(code int) {
			t.Fatalf("unexpected exit(%d)", code)
		},
		Stdout: &stdout,
		Stderr: &stderr,
		Now:    func() time.Time { return time.Date(2023, 2, 5, 6, 45, 0, 0, time.UTC) },
	}
	rc, err := Cli(args, config)
	var lines []string
	if s := strings.TrimSpace(stdout.String()); s != "" {
		lines = strings.Split(s, "\n")
	}
	return cliResult{rc, err, lines, stderr.String()}
}

const demoJSON = `{"age":11,"name":"张三","uuid":1675579500989}`

func TestCli_Demo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objstore.db")

	r := runCli(t, "--path", path, "demo")
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.rc)
	assert.Equal(t, []string{
		`{"op":"insert","result":1675579500989}`,
		`{"op":"getByKey","result":` + demoJSON + `}`,
		`{"op":"getAll","result":[` + demoJSON + `]}`,
		`{"op":"iterateAll","result":[` + demoJSON + `]}`,
		`{"op":"getByIndex","result":` + demoJSON + `}`,
		`{"op":"iterateByIndex","result":[` + demoJSON + `]}`,
		`{"op":"iterateByIndexPaged","result":[]}`,
	}, r.lines)
	assert.Empty(t, r.stderr)

	// the second run hits the duplicate key and still reads everything back
	r = runCli(t, "--path", path, "demo")
	require.NoError(t, r.err)
	require.Len(t, r.lines, 7)
	assert.True(t, strings.HasPrefix(r.lines[0], `{"op":"insert","result":null,"error":"insert class.users: write failed: `), r.lines[0])
	assert.Equal(t, `{"op":"getAll","result":[`+demoJSON+`]}`, r.lines[2])
	assert.Contains(t, r.stderr, "record already exists")
}

func TestCli_Commands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objstore.db")
	run := func(args ...string) []string {
		t.Helper()
		r := runCli(t, append([]string{"--path", path}, args...)...)
		require.NoError(t, r.err)
		require.Equal(t, 0, r.rc)
		return r.lines
	}

	assert.Equal(t, []string{`{"op":"insert","result":1}`}, run("add", "--json", `{"uuid":1,"name":"a","age":20}`))
	assert.Equal(t, []string{`{"op":"insert","result":2}`}, run("add", "--json", `{"uuid":2,"name":"b","age":20}`))
	assert.Equal(t, []string{`{"op":"insert","result":3}`}, run("add", "--json", `{"uuid":3,"name":"a","age":30}`))

	assert.Equal(t, []string{`{"op":"getByKey","result":{"age":20,"name":"b","uuid":2}}`}, run("get", "--key", "2"))
	assert.Equal(t, []string{`{"op":"getByKey","result":null}`}, run("get", "--key", "9"))
	assert.Equal(t, []string{`{"op":"getByIndex","result":{"age":30,"name":"a","uuid":3}}`}, run("index-get", "--index", "age", "--value", "30"))
	assert.Equal(t, []string{`{"op":"iterateByIndex","result":[{"age":20,"name":"a","uuid":1},{"age":30,"name":"a","uuid":3}]}`}, run("index-scan", "--index", "name", "--value", "a"))
	assert.Equal(t, []string{`{"op":"iterateByIndexPaged","result":[{"age":20,"name":"b","uuid":2}]}`}, run("index-scan", "--index", "age", "--value", "20", "--page", "2", "--page-size", "1"))
	assert.Equal(t, []string{`{"op":"iterateByIndexPaged","result":[]}`}, run("index-scan", "--index", "age", "--value", "20", "--page", "3", "--page-size", "1"))

	lines := run("all")
	require.Len(t, lines, 1)
	assert.Equal(t, 3, strings.Count(lines[0], `"uuid"`))
	assert.True(t, strings.HasPrefix(run("scan")[0], `{"op":"iterateAll","result":[{"age":20,"name":"a","uuid":1},`))

	assert.Equal(t, []string{`{"op":"databases","result":[{"name":"class","version":1}]}`}, run("databases"))

	r := runCli(t, "--path", path, "add", "--json", `{"uuid":1,"name":"dup"}`)
	assert.Equal(t, 1, r.rc)
	assert.ErrorContains(t, r.err, "write failed")
	assert.Contains(t, r.stderr, "failed")

	r = runCli(t, "--path", path, "index-scan", "--index", "name", "--value", "a", "--page=-1")
	assert.Equal(t, 1, r.rc)
	assert.ErrorContains(t, r.err, "query failed")

	r = runCli(t, "--path", path, "add", "--json", "not json")
	assert.Equal(t, 1, r.rc)
	assert.ErrorContains(t, r.err, "--json")
}

func TestCli_Memory(t *testing.T) {
	r := runCli(t, "--backend", "memory", "databases")
	require.NoError(t, r.err)
	assert.Equal(t, []string{`{"op":"databases","result":[]}`}, r.lines)

	r = runCli(t, "--backend", "memory", "--store", "people", "-v", "--log-format", "json", "demo")
	require.NoError(t, r.err)
	assert.Len(t, r.lines, 7)
	assert.Contains(t, r.stderr, `"level":"info"`)
	assert.Contains(t, r.stderr, "ADD")
}

func TestCli_Pebble(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "objstore.pebble")
	r := runCli(t, "--backend", "pebble", "--path", dir, "add", "--json", `{"uuid":"x","name":"n","age":1}`)
	require.NoError(t, r.err)
	assert.Equal(t, []string{`{"op":"insert","result":"x"}`}, r.lines)

	r = runCli(t, "--backend", "pebble", "--path", dir, "get", "--key", "x")
	require.NoError(t, r.err)
	assert.Equal(t, []string{`{"op":"getByKey","result":{"age":1,"name":"n","uuid":"x"}}`}, r.lines)
}

func TestCli_Errors(t *testing.T) {
	r := runCli(t, "frobnicate")
	assert.Equal(t, 2, r.rc)
	assert.Error(t, r.err)

	r = runCli(t, "--backend", "sqlite", "all")
	assert.Equal(t, 2, r.rc)
	assert.Error(t, r.err)

	path := filepath.Join(t.TempDir(), "objstore.db")
	r = runCli(t, "--path", path, "--version", "2", "all")
	require.NoError(t, r.err)
	r = runCli(t, "--path", path, "--version", "1", "all")
	assert.Equal(t, 1, r.rc)
	assert.ErrorContains(t, r.err, "open failed")
}
