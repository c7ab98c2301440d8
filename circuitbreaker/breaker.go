package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中，快速失败）
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `json:"threshold" yaml:"threshold"`

	// Cooldown 熔断冷却时间。冷却期满后的首个调用作为试探放行，
	// 成功则归零，失败则重新计数。
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// OnStateChange 状态变更回调
	OnStateChange func(tool string, from State, to State) `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold: 3,
		Cooldown:  5 * time.Minute,
	}
}

// record 单个工具的熔断状态
type record struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Registry 按工具名管理熔断状态。
// 检索后端在进程内，熔断的意义在于阻止深搜扩展器在后端已经
// 持续失败时成倍放大调用量；对远程后端同样适用。
//
// 状态机只有两态：Closed 正常计数，Open 快速失败；
// 冷却期满后的下一次调用直接放行并回到 Closed（试探由常规
// 成功/失败路径裁决，无需独立的半开态）。
type Registry struct {
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*record

	// now 可在测试中替换为模拟时钟
	now func() time.Time
}

// NewRegistry 创建熔断器注册表。
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:  config,
		logger:  logger.With(zap.String("component", "circuit_breaker")),
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Allow 报告工具当前是否可被调用。
// Open 状态下冷却期已过时翻转回 Closed 并放行（计数归零）。
func (r *Registry) Allow(tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tool]
	if !ok || rec.state == StateClosed {
		return true
	}

	if r.now().Sub(rec.lastFailure) > r.config.Cooldown {
		r.transition(tool, rec, StateClosed)
		rec.failures = 0
		return true
	}
	return false
}

// OnSuccess 记录一次成功调用，连续失败计数归零。
func (r *Registry) OnSuccess(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[tool]; ok {
		rec.failures = 0
	}
}

// OnFailure 记录一次失败调用，达到阈值时熔断。
func (r *Registry) OnFailure(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tool]
	if !ok {
		rec = &record{state: StateClosed}
		r.records[tool] = rec
	}
	rec.failures++
	rec.lastFailure = r.now()

	if rec.state == StateClosed && rec.failures >= r.config.Threshold {
		r.transition(tool, rec, StateOpen)
	}
}

// State 返回工具当前状态（未记录过的工具视为 Closed）。
func (r *Registry) State(tool string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[tool]; ok {
		return rec.state
	}
	return StateClosed
}

// Failures 返回工具当前连续失败计数。
func (r *Registry) Failures(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[tool]; ok {
		return rec.failures
	}
	return 0
}

// Reset 手动恢复单个工具。
func (r *Registry) Reset(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[tool]; ok {
		if rec.state != StateClosed {
			r.transition(tool, rec, StateClosed)
		}
		rec.failures = 0
	}
}

// transition 执行状态切换并触发回调。调用方须持有 mu。
func (r *Registry) transition(tool string, rec *record, to State) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to

	r.logger.Warn("circuit breaker state changed",
		zap.String("tool", tool),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", rec.failures))

	if r.config.OnStateChange != nil {
		r.config.OnStateChange(tool, from, to)
	}
}
