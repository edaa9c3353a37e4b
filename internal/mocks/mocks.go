// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Session() config.SessionConfig {
	args := m.Called()
	return args.Get(0).(config.SessionConfig)
}

func (m *MockConfig) Export() config.ExportConfig {
	args := m.Called()
	return args.Get(0).(config.ExportConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetSessionDefaultDuration(d time.Duration) {
	m.Called(d)
}

func (m *MockConfig) SetExportPrefix(p string) {
	m.Called(p)
}

func (m *MockConfig) SetServerAddr(addr string) {
	m.Called(addr)
}

// -- Session Controller Mock --

// MockController mocks the session controller as seen by the control server.
type MockController struct {
	mock.Mock
}

func (m *MockController) Start(ctx context.Context, rawURL string, headless bool, duration time.Duration) error {
	args := m.Called(ctx, rawURL, headless, duration)
	return args.Error(0)
}

func (m *MockController) Stop(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockController) Clear() {
	m.Called()
}

func (m *MockController) Status() schemas.SessionStatus {
	args := m.Called()
	return args.Get(0).(schemas.SessionStatus)
}

func (m *MockController) Snapshot() []schemas.LogEntry {
	args := m.Called()
	if entries := args.Get(0); entries != nil {
		return entries.([]schemas.LogEntry)
	}
	return nil
}

func (m *MockController) ExportReport(prefix string) (string, error) {
	args := m.Called(prefix)
	return args.String(0), args.Error(1)
}

// -- Browser Mocks --

// MockEngine mocks browser.Engine.
type MockEngine struct {
	mock.Mock
}

var _ browser.Engine = (*MockEngine)(nil)

func (m *MockEngine) Launch(ctx context.Context, headless bool) (browser.Page, error) {
	args := m.Called(ctx, headless)
	if p := args.Get(0); p != nil {
		return p.(browser.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPage mocks browser.Page. The listener passed to Listen is kept so tests
// can feed it events through Emit.
type MockPage struct {
	mock.Mock
	mu       sync.Mutex
	listener func(schemas.NetworkEvent)
}

var _ browser.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockPage) Listen(fn func(schemas.NetworkEvent)) func() {
	m.Called(fn)
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.listener = nil
		m.mu.Unlock()
	}
}

// Emit delivers ev to the current listener, if any.
func (m *MockPage) Emit(ev schemas.NetworkEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		m.listener(ev)
	}
}

func (m *MockPage) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPage) Done() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(chan struct{})
}
