// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Index      IndexConfig      `mapstructure:"index"`
	Search     SearchConfig     `mapstructure:"search"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Model      ModelConfig      `mapstructure:"model"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	MaxBodyMB  int              `mapstructure:"max_body_mb"` // 上传图片大小上限（MB）
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	RateLimit     bool   `mapstructure:"rate_limit"`
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassword string `mapstructure:"admin_password"`
}

// IndexConfig 向量索引配置（精确内积检索）
type IndexConfig struct {
	Dimension int    `mapstructure:"dimension"`  // 向量维度，索引生命周期内不变
	Name      string `mapstructure:"name"`       // 持久化产物名：<name>.index 与 <name>_ids.json
	OverFetch int    `mapstructure:"over_fetch"` // 检索放大倍数，为后续过滤预留余量
}

// SearchConfig 排序管线参数
type SearchConfig struct {
	PageSize            int     `mapstructure:"page_size"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	ModifierBoost       float64 `mapstructure:"modifier_boost"`
	SimilarityWeight    float64 `mapstructure:"similarity_weight"`
	RelevanceWeight     float64 `mapstructure:"relevance_weight"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Metadata MetadataConfig `mapstructure:"metadata"`
	Object   ObjectConfig   `mapstructure:"object"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// MetadataConfig 商品属性存储配置
type MetadataConfig struct {
	Type     string `mapstructure:"type"` // memory | sqlite | postgres
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ObjectConfig 索引产物存储配置
type ObjectConfig struct {
	Type string `mapstructure:"type"` // memory | file
	Root string `mapstructure:"root"` // file 模式下的根目录
}

// CacheConfig 属性缓存配置，type 为空时不启用
type CacheConfig struct {
	Type     string `mapstructure:"type"` // "" | memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"`
}

// IngestConfig 入库配置
type IngestConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	Concurrency   int    `mapstructure:"concurrency"`    // 并发提取向量数
	FlushInterval string `mapstructure:"flush_interval"` // 写入合并的最长等待
	Catalog       string `mapstructure:"catalog"`        // JSONL 商品目录
	ImageDir      string `mapstructure:"image_dir"`
	Queue         string `mapstructure:"queue"`     // 异步入库队列："" | memory | postgres
	QueueDSN      string `mapstructure:"queue_dsn"` // 为空时复用 storage.metadata.dsn
}

// ModelConfig 外部模型配置
type ModelConfig struct {
	Vision VisionConfig `mapstructure:"vision"`
}

// VisionConfig 图像向量提取与属性识别服务
type VisionConfig struct {
	Provider string `mapstructure:"provider"` // http | stub；为空时按 endpoint / stub 推断
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Timeout  string `mapstructure:"timeout"`
	Stub     bool   `mapstructure:"stub"` // 未配置 endpoint 时使用确定性的本地实现，仅开发用
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)
	applyDefaults(&config)

	return &config, nil
}

// replaceEnvVars 替换配置中 ${VAR} 形式的密钥
func replaceEnvVars(config *Config) {
	for _, s := range []*string{
		&config.Storage.Metadata.DSN,
		&config.Ingest.QueueDSN,
		&config.Storage.Cache.Password,
		&config.API.Middleware.JWTKey,
		&config.API.Middleware.AdminPassword,
		&config.Model.Vision.APIKey,
	} {
		*s = expandEnv(*s)
	}
}

func expandEnv(s string) string {
	if !IsUnresolved(s) {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// IsUnresolved 值仍是 ${VAR} 形式，说明对应环境变量未设置
func IsUnresolved(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// applyDefaults 未配置项使用默认值
func applyDefaults(c *Config) {
	if c.API.Port <= 0 {
		c.API.Port = 8080
	}
	if c.API.MaxBodyMB <= 0 {
		c.API.MaxBodyMB = 10
	}
	if c.Index.Dimension <= 0 {
		c.Index.Dimension = 2048
	}
	if c.Index.Name == "" {
		c.Index.Name = "faiss"
	}
	if c.Index.OverFetch <= 0 {
		c.Index.OverFetch = 3
	}
	if c.Search.PageSize <= 0 {
		c.Search.PageSize = 10
	}
	if c.Search.SimilarityThreshold <= 0 {
		c.Search.SimilarityThreshold = 0.3
	}
	if c.Search.ModifierBoost <= 0 {
		c.Search.ModifierBoost = 1.05
	}
	if c.Search.SimilarityWeight <= 0 && c.Search.RelevanceWeight <= 0 {
		c.Search.SimilarityWeight = 0.7
		c.Search.RelevanceWeight = 0.3
	}
	if c.Storage.Object.Type == "file" && c.Storage.Object.Root == "" {
		c.Storage.Object.Root = "data/embeddings"
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = 32
	}
	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = 4
	}
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
