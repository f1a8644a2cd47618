package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Env        string
	PolicyPath string
	Server     ServerConfig
	Store      StoreConfig
	AI         AIConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Engine     EngineConfig
	Messenger  MessengerConfig
	CORS       CORSConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	embedding, err := loadEmbeddingConfig()
	if err != nil {
		return nil, err
	}

	retrieval, err := loadRetrievalConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Env:        getEnvOrDefault("APP_ENV", "production"),
		PolicyPath: strings.TrimSpace(os.Getenv("SUPPORT_POLICY_PATH")),
		Server:     server,
		Store:      store,
		AI:         ai,
		Embedding:  embedding,
		Retrieval:  retrieval,
		Engine:     engine,
		Messenger:  loadMessengerConfig(),
		CORS:       CORSConfig{AllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))},
	}, nil
}

// Development 表示是否以开发模式运行（影响日志格式）。
func (c *Config) Development() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// StoreConfig 选择会话存储实现。
type StoreConfig struct {
	Driver string
	Path   string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "sqlite"))
	switch driver {
	case "sqlite", "memory":
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}
	return StoreConfig{
		Driver: driver,
		Path:   getEnvOrDefault("DATABASE_PATH", "data/support.db"),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个支持工具调用的模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ToolCallingChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	modelName := strings.TrimSpace(os.Getenv("ARK_MODEL"))
	if modelName == "" {
		modelName = strings.TrimSpace(os.Getenv("Model"))
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       modelName,
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// EmbeddingConfig 描述检索查询所用的向量模型。
type EmbeddingConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	CacheSize  int
}

// Enabled 表示是否配置了向量模型密钥。
func (c EmbeddingConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadEmbeddingConfig() (EmbeddingConfig, error) {
	dims, err := parseOptionalIntEnv("EMBEDDING_DIMENSIONS")
	if err != nil {
		return EmbeddingConfig{}, err
	}
	cache, err := parseOptionalIntEnv("EMBEDDING_CACHE_SIZE")
	if err != nil {
		return EmbeddingConfig{}, err
	}

	cfg := EmbeddingConfig{
		APIKey:     getEnvOrDefault("EMBEDDING_API_KEY", strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))),
		BaseURL:    strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL")),
		Model:      strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")),
		Dimensions: 1024, // 与离线构建索引时使用的维度保持一致。
	}
	if dims != nil {
		cfg.Dimensions = *dims
	}
	if cache != nil {
		cfg.CacheSize = *cache
	}
	return cfg, nil
}

// RetrievalConfig 描述向量索引位置与召回数量。
type RetrievalConfig struct {
	IndexPath string
	TopK      int
}

func loadRetrievalConfig() (RetrievalConfig, error) {
	topK := 5
	if override, err := parseOptionalIntEnv("RETRIEVAL_TOP_K"); err != nil {
		return RetrievalConfig{}, err
	} else if override != nil {
		if *override < 1 {
			topK = 1
		} else {
			topK = *override
		}
	}
	return RetrievalConfig{
		IndexPath: strings.TrimSpace(os.Getenv("RETRIEVAL_INDEX_PATH")),
		TopK:      topK,
	}, nil
}

// EngineConfig 控制自动应答的超时与并发。
type EngineConfig struct {
	Timeout   time.Duration
	MaxRounds int
	Mailbox   int
	HubBuffer int
}

func loadEngineConfig() (EngineConfig, error) {
	timeout, err := parseDurationEnv("ENGINE_TIMEOUT", 30*time.Second)
	if err != nil {
		return EngineConfig{}, err
	}

	cfg := EngineConfig{Timeout: timeout, MaxRounds: 3, Mailbox: 64, HubBuffer: 256}
	for key, dst := range map[string]*int{
		"ENGINE_MAX_TOOL_ROUNDS": &cfg.MaxRounds,
		"WORKER_MAILBOX":         &cfg.Mailbox,
		"HUB_BUFFER":             &cfg.HubBuffer,
	} {
		val, err := parseOptionalIntEnv(key)
		if err != nil {
			return EngineConfig{}, err
		}
		if val != nil && *val > 0 {
			*dst = *val
		}
	}
	return cfg, nil
}

// MessengerConfig 描述 Facebook Messenger 接入参数。
type MessengerConfig struct {
	VerifyToken     string
	PageAccessToken string
	GraphURL        string
}

// Enabled 表示是否可以向 Messenger 回发消息。
func (c MessengerConfig) Enabled() bool {
	return c.PageAccessToken != ""
}

func loadMessengerConfig() MessengerConfig {
	return MessengerConfig{
		VerifyToken:     strings.TrimSpace(os.Getenv("FACEBOOK_VERIFY_TOKEN")),
		PageAccessToken: strings.TrimSpace(os.Getenv("FACEBOOK_PAGE_ACCESS_TOKEN")),
		GraphURL:        strings.TrimSpace(os.Getenv("FACEBOOK_GRAPH_URL")),
	}
}

// CORSConfig 列出允许跨域访问的来源。
type CORSConfig struct {
	AllowedOrigins []string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDurationEnv 接受 Go 时长格式（"45s"）或纯秒数（"45"）。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return d, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
