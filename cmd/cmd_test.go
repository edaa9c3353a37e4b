// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/mocks"
)

// executeCommand runs a fresh command tree and returns its combined output.
func executeCommand(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// isolateConfig keeps a developer's config.yaml or NETLOGGER_* env out of the test.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("NETLOGGER_EXPORT_REPORTS_DIR", filepath.Join(dir, "reports"))
	t.Setenv("NETLOGGER_LOGGER_LEVEL", "error")
	return dir
}

// useMockEngine routes capture and serve to a mock browser whose page emits
// events during navigation.
func useMockEngine(t *testing.T, events ...schemas.NetworkEvent) (*mocks.MockEngine, *mocks.MockPage) {
	t.Helper()
	page := new(mocks.MockPage)
	page.On("Listen", mock.Anything).Return()
	page.On("Navigate", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		for _, ev := range events {
			page.Emit(ev)
		}
	}).Return(nil)
	page.On("Done").Return(make(chan struct{})).Maybe()
	page.On("Close", mock.Anything).Return(nil)

	engine := new(mocks.MockEngine)
	engine.On("Launch", mock.Anything, mock.Anything).Return(page, nil)

	prev := newEngine
	newEngine = func(config.BrowserConfig, *zap.Logger) browser.Engine { return engine }
	t.Cleanup(func() { newEngine = prev })
	return engine, page
}

func capturedExchange() []schemas.NetworkEvent {
	body := `{"operationName":"Login","query":"mutation Login { ok }"}`
	return []schemas.NetworkEvent{
		{
			Kind:         schemas.EventRequestStarted,
			RequestID:    "1",
			Method:       "POST",
			URL:          "https://app.example.com/graphql",
			ResourceType: "Fetch",
			Headers:      map[string]string{"Content-Type": "application/json"},
			PostData:     &body,
		},
		{
			Kind:         schemas.EventRequestStarted,
			RequestID:    "2",
			Method:       "GET",
			URL:          "https://app.example.com/logo.png",
			ResourceType: "Image",
		},
		{
			Kind:            schemas.EventResponseReceived,
			RequestID:       "1",
			Status:          200,
			StatusText:      "OK",
			ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		},
	}
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(context.Background(), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "netlogger version "+Version)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "netlogger version "+Version+"\n", out)
}

func TestRootCmd_NoArgsShowsHelp(t *testing.T) {
	out, err := executeCommand(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "netlogger drives a Chrome instance")
	assert.Contains(t, out, "capture")
	assert.Contains(t, out, "serve")
}

func TestRootCmd_ConfigErrors(t *testing.T) {
	dir := isolateConfig(t)

	_, err := executeCommand(context.Background(), "capture", "https://x.example.com", "--config", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("browser:\n  launch_timeout: 0s\n"), 0o644))
	_, err = executeCommand(context.Background(), "capture", "https://x.example.com", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser.launch_timeout")
}

func TestInitializeConfig_Layering(t *testing.T) {
	dir := isolateConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
session:
  default_duration: 2m
export:
  prefix: fromfile
`), 0o644))
	t.Setenv("NETLOGGER_EXPORT_PREFIX", "fromenv")

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--log-level", "debug"}))

	v := newTestViper()
	require.NoError(t, initializeConfig(root, v, ""))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Session().DefaultDuration)
	assert.Equal(t, "fromenv", cfg.Export().Prefix, "env overrides the file")
	assert.Equal(t, "debug", cfg.Logger().Level, "flags override env")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestCaptureCmd_RecordsAndExports(t *testing.T) {
	dir := isolateConfig(t)
	engine, page := useMockEngine(t, capturedExchange()...)

	output := filepath.Join(dir, "out")
	out, err := executeCommand(context.Background(),
		"capture", "https://app.example.com", "--duration", "50ms", "--output", output, "--headless=false", "--follow")
	require.NoError(t, err)

	engine.AssertCalled(t, "Launch", mock.Anything, false)
	page.AssertCalled(t, "Navigate", mock.Anything, "https://app.example.com")
	page.AssertCalled(t, "Close", mock.Anything)

	assert.Contains(t, out, "Recording https://app.example.com for 50ms")
	assert.Contains(t, out, "200 POST https://app.example.com/graphql")
	assert.Contains(t, out, "Captured 1 requests (duration elapsed)")
	assert.Contains(t, out, output+".csv")

	f, err := os.Open(output + ".csv")
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2, "header plus the one fetch; the image is filtered")
	assert.Equal(t, "https://app.example.com/graphql", rows[1][2])
	assert.Equal(t, "200", rows[1][4])
	assert.Contains(t, rows[1][8], `"operationName":"Login"`)
}

func TestCaptureCmd_GeneratedReportName(t *testing.T) {
	dir := isolateConfig(t)
	useMockEngine(t)

	out, err := executeCommand(context.Background(), "capture", "https://app.example.com", "-d", "20ms", "--prefix", "nightly")
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "reports", "nightly_NL_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, out, matches[0])
}

func TestCaptureCmd_InterruptStillExports(t *testing.T) {
	dir := isolateConfig(t)
	useMockEngine(t, capturedExchange()...)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	output := filepath.Join(dir, "interrupted.csv")
	out, err := executeCommand(ctx, "capture", "https://app.example.com", "--duration", "0", "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "until interrupted")
	assert.Contains(t, out, "(stopped)")
	assert.FileExists(t, output)
}

func TestCaptureCmd_Errors(t *testing.T) {
	isolateConfig(t)
	useMockEngine(t)

	_, err := executeCommand(context.Background(), "capture")
	assert.Error(t, err, "a URL is required")

	_, err = executeCommand(context.Background(), "capture", "ftp://files.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target URL")

	_, err = executeCommand(context.Background(), "capture", "https://app.example.com", "--duration", "-1s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestFormatEntry(t *testing.T) {
	status, failure := 404, "failed: net::ERR_ABORTED"
	assert.Equal(t, "404 GET https://a.example.com (12.5ms)",
		formatEntry(schemas.LogEntry{Method: "GET", URL: "https://a.example.com", Status: &status, DurationMS: 12.5}))
	size := int64(2048)
	assert.Equal(t, "404 GET https://a.example.com (12.5ms, 2.0 KiB)",
		formatEntry(schemas.LogEntry{Method: "GET", URL: "https://a.example.com", Status: &status, DurationMS: 12.5, SizeBytes: &size}))
	assert.Equal(t, "ERR GET https://a.example.com (failed: net::ERR_ABORTED)",
		formatEntry(schemas.LogEntry{Method: "GET", URL: "https://a.example.com", Failure: &failure}))
	assert.Equal(t, "... GET https://a.example.com",
		formatEntry(schemas.LogEntry{Method: "GET", URL: "https://a.example.com"}))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunServe_EndToEnd(t *testing.T) {
	isolateConfig(t)
	engine, _ := useMockEngine(t, capturedExchange()...)

	cfg := config.NewDefaultConfig()
	cfg.ExportCfg.ReportsDir = t.TempDir()
	cfg.ServerCfg.Addr = freeAddr(t)
	base := "http://" + cfg.ServerCfg.Addr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, engine, zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/start", "application/json", strings.NewReader(`{"url":"https://app.example.com","duration":"0"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/start", "application/json", strings.NewReader(`{"url":"https://app.example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(base + "/api/logs")
	require.NoError(t, err)
	var logs struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	resp.Body.Close()
	assert.Equal(t, 1, logs.Data.Total)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
