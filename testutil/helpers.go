// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数、桩服务实现与事件记录器
//
// 使用方法:
//
//	svc := testutil.NewStubService("chat-svc", "chat")
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/serviceflow/discovery"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🎭 桩服务实现
// =============================================================================

// StubService 是 discovery.Service 的可配置桩实现。
// 零值不可用，必须通过 NewStubService 创建。
type StubService struct {
	mu sync.Mutex

	id           string
	name         string
	serviceType  string
	capabilities []discovery.Capability
	health       discovery.Health

	// panic 与错误注入
	healthPanic string
	initErr     error
	shutdownErr error

	// 调用计数
	healthCalls   int
	initCalls     int
	shutdownCalls int
}

var _ discovery.Service = (*StubService)(nil)

// NewStubService 创建健康状态为 healthy 的桩服务
func NewStubService(id, serviceType string, caps ...discovery.Capability) *StubService {
	return &StubService{
		id:           id,
		name:         id,
		serviceType:  serviceType,
		capabilities: caps,
		health: discovery.Health{
			Status:    discovery.HealthHealthy,
			LastCheck: time.Now().UTC(),
		},
	}
}

// WithName 设置服务名称
func (s *StubService) WithName(name string) *StubService {
	s.name = name
	return s
}

// WithHealth 设置健康检查返回的状态
func (s *StubService) WithHealth(h discovery.Health) *StubService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
	return s
}

// WithHealthPanic 注入健康检查 panic
func (s *StubService) WithHealthPanic(msg string) *StubService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthPanic = msg
	return s
}

// WithShutdownError 注入关闭错误
func (s *StubService) WithShutdownError(err error) *StubService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownErr = err
	return s
}

func (s *StubService) ID() string   { return s.id }
func (s *StubService) Name() string { return s.name }
func (s *StubService) Type() string { return s.serviceType }

func (s *StubService) Capabilities() []discovery.Capability {
	return s.capabilities
}

func (s *StubService) GetHealth(ctx context.Context) discovery.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCalls++
	if s.healthPanic != "" {
		panic(s.healthPanic)
	}
	return s.health
}

func (s *StubService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	return s.initErr
}

func (s *StubService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownCalls++
	return s.shutdownErr
}

// HealthCalls 返回 GetHealth 被调用次数
func (s *StubService) HealthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthCalls
}

// ShutdownCalls 返回 Shutdown 被调用次数
func (s *StubService) ShutdownCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownCalls
}

// Cap 构造一条能力描述，减少测试样板
func Cap(name, version string, features ...string) discovery.Capability {
	return discovery.Capability{
		Name:     name,
		Version:  version,
		Features: features,
	}
}

// =============================================================================
// 📼 事件记录器
// =============================================================================

// EventRecorder 记录注册表或轮询器发出的变更事件，并发安全
type EventRecorder struct {
	mu     sync.Mutex
	events []discovery.ChangeEvent
}

// NewEventRecorder 创建空的事件记录器
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Listener 返回可传给 OnServiceChange 的单事件回调
func (r *EventRecorder) Listener() discovery.ChangeListener {
	return func(event discovery.ChangeEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
	}
}

// BatchListener 返回可传给 WatchChanges 的批量回调
func (r *EventRecorder) BatchListener() discovery.BatchListener {
	return func(events []discovery.ChangeEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, events...)
	}
}

// Events 返回已记录事件的拷贝
func (r *EventRecorder) Events() []discovery.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discovery.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types 返回已记录事件的类型序列
func (r *EventRecorder) Types() []discovery.ChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discovery.ChangeType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Len 返回已记录事件数量
func (r *EventRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset 清空已记录的事件
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// AssertEventuallyEqual 断言值最终相等
func AssertEventuallyEqual(t *testing.T, expected any, getter func() any, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var lastValue any

	for time.Now().Before(deadline) {
		lastValue = getter()
		if reflect.DeepEqual(expected, lastValue) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("value did not become %v within %v, last value: %v", expected, timeout, lastValue)
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}
