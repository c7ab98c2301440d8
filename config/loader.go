// =============================================================================
// 📦 Resonance 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RESONANCE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是检索核心的完整配置结构
type Config struct {
	// Retrieval 混合事实检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// DeepSearch 深搜扩展配置
	DeepSearch DeepSearchConfig `yaml:"deep_search" env:"DEEP_SEARCH"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// RoutingCache 路由缓存配置
	RoutingCache RoutingCacheConfig `yaml:"routing_cache" env:"ROUTING_CACHE"`

	// Redis 路由缓存二级存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RetrievalConfig 混合事实检索配置
type RetrievalConfig struct {
	// 默认返回条数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// BM25 k1 参数
	BM25K1 float64 `yaml:"bm25_k1" env:"BM25_K1"`
	// BM25 b 参数
	BM25B float64 `yaml:"bm25_b" env:"BM25_B"`
	// RRF 融合常数
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// 嵌入调用限流（每秒请求数，0 不限流）
	EmbedRateLimit float64 `yaml:"embed_rate_limit" env:"EMBED_RATE_LIMIT"`
	// 嵌入限流突发量
	EmbedBurst int `yaml:"embed_burst" env:"EMBED_BURST"`
	// 落地上下文 token 预算（0 不裁剪）
	ContextTokenBudget int `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
	// token 计数编码（tiktoken encoding 名）
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// DeepSearchConfig 深搜扩展配置
type DeepSearchConfig struct {
	// 最大扩展轮数
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
	// 每轮最多追查的候选实体数
	MaxFanout int `yaml:"max_fanout" env:"MAX_FANOUT"`
	// 关联结果最小有效长度
	MinPayload int `yaml:"min_payload" env:"MIN_PAYLOAD"`
	// 关联实体查询返回条数
	LookupTopK int `yaml:"lookup_top_k" env:"LOOKUP_TOP_K"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 熔断冷却时间
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// RoutingCacheConfig 路由缓存配置
type RoutingCacheConfig struct {
	// 单条存活时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 内存层容量
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

// RedisConfig Redis 配置（留空 Addr 则关闭二级缓存）
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			TopK:               5,
			BM25K1:             1.5,
			BM25B:              0.75,
			RRFK:               60,
			ContextTokenBudget: 2000,
			TokenEncoding:      "cl100k_base",
		},
		DeepSearch: DeepSearchConfig{
			MaxDepth:   2,
			MaxFanout:  2,
			MinPayload: 50,
			LookupTopK: 2,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  5 * time.Minute,
		},
		RoutingCache: RoutingCacheConfig{
			TTL:      5 * time.Minute,
			Capacity: 100,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "resonance",
		},
	}
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RESONANCE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.top_k must be positive")
	}
	if c.Retrieval.RRFK <= 0 {
		errs = append(errs, "retrieval.rrf_k must be positive")
	}
	if c.DeepSearch.MaxDepth <= 0 {
		errs = append(errs, "deep_search.max_depth must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker.threshold must be positive")
	}
	if c.RoutingCache.Capacity <= 0 {
		errs = append(errs, "routing_cache.capacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
