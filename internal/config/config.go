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

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Platform PlatformConfig
	History  HistoryConfig
	Persona  PersonaConfig
	Log      logging.Config
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

	platform, err := loadPlatformConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	persona, err := loadPersonaConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Platform: platform,
		History:  history,
		Persona:  persona,
		Log:      loadLogConfig(),
	}, nil
}

// ServerConfig 描述管理 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Backend providers understood by PERSONA_BACKENDS.
const (
	ProviderArk    = "ark"
	ProviderGemini = "gemini"
)

// DefaultBackends is the generation order used when PERSONA_BACKENDS is unset:
// the high-quality model first, the fast one second.
const DefaultBackends = "gemini:gemini-2.5-pro,gemini:gemini-2.5-flash"

// BackendSpec names one entry of the ordered fallback list.
type BackendSpec struct {
	Provider string
	Model    string
}

// ID is the stable identifier used in logs.
func (b BackendSpec) ID() string {
	return b.Provider + ":" + b.Model
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Backends        []BackendSpec
	Timeout         time.Duration
	FallbackMessage string

	GeminiAPIKey string

	APIKey      string
	AccessKey   string
	SecretKey   string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ArkEnabled 表示是否提供了 Ark 所需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

// GeminiEnabled reports whether a Gemini key is configured.
func (c AIConfig) GeminiEnabled() bool {
	return c.GeminiAPIKey != ""
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context, modelName string) (model.ChatModel, error) {
	if !c.ArkEnabled() || modelName == "" {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY 或 AK/SK 组合")
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
		Model:       modelName,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// ParseBackends parses a comma list of provider:model entries.
func ParseBackends(raw string) ([]BackendSpec, error) {
	var specs []BackendSpec
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		provider, modelName, ok := strings.Cut(item, ":")
		provider = strings.ToLower(strings.TrimSpace(provider))
		modelName = strings.TrimSpace(modelName)
		if !ok || modelName == "" {
			return nil, fmt.Errorf("invalid backend %q: want provider:model", item)
		}
		switch provider {
		case ProviderArk, ProviderGemini:
		default:
			return nil, fmt.Errorf("invalid backend %q: unknown provider %q", item, provider)
		}
		specs = append(specs, BackendSpec{Provider: provider, Model: modelName})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	return specs, nil
}

func loadAIConfig() (AIConfig, error) {
	backends, err := ParseBackends(getEnvOrDefault("PERSONA_BACKENDS", DefaultBackends))
	if err != nil {
		return AIConfig{}, fmt.Errorf("invalid PERSONA_BACKENDS: %w", err)
	}

	timeoutSeconds := 60
	if override, err := parseOptionalIntEnv("BACKEND_TIMEOUT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		timeoutSeconds = *override
	}

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

	return AIConfig{
		Backends:        backends,
		Timeout:         time.Duration(timeoutSeconds) * time.Second,
		FallbackMessage: strings.TrimSpace(os.Getenv("FALLBACK_MESSAGE")),
		GeminiAPIKey:    strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		APIKey:          strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:       strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:       strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		BaseURL:         getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:          getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
	}, nil
}

// PlatformConfig 描述聊天平台（Discord 兼容 API）的接入配置。
type PlatformConfig struct {
	BotToken         string
	APIBase          string
	GatewayURL       string
	RateLimit        float64
	MaxMessageLength int
}

// Enabled reports whether a bot token is present.
func (c PlatformConfig) Enabled() bool {
	return c.BotToken != ""
}

func loadPlatformConfig() (PlatformConfig, error) {
	rateLimit := 5.0
	if override, err := parseOptionalFloatEnv("DISCORD_RATE_LIMIT"); err != nil {
		return PlatformConfig{}, err
	} else if override != nil && *override > 0 {
		rateLimit = *override
	}

	maxLen := 2000
	if override, err := parseOptionalIntEnv("MAX_MESSAGE_LENGTH"); err != nil {
		return PlatformConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return PlatformConfig{}, fmt.Errorf("invalid MAX_MESSAGE_LENGTH value %d", *override)
		}
		maxLen = *override
	}

	return PlatformConfig{
		BotToken:         strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		APIBase:          getEnvOrDefault("DISCORD_API_BASE", "https://discord.com/api/v10"),
		GatewayURL:       getEnvOrDefault("DISCORD_GATEWAY_URL", "wss://gateway.discord.gg/?v=10&encoding=json"),
		RateLimit:        rateLimit,
		MaxMessageLength: maxLen,
	}, nil
}

// HistoryConfig 描述会话历史的持久化配置。
type HistoryConfig struct {
	DBPath   string
	MaxTurns int
}

func loadHistoryConfig() (HistoryConfig, error) {
	maxTurns := 60
	if override, err := parseOptionalIntEnv("HISTORY_MAX_TURNS"); err != nil {
		return HistoryConfig{}, err
	} else if override != nil {
		maxTurns = *override
	}
	// 历史按 user/persona 成对裁剪，上限必须是不小于 2 的偶数。
	if maxTurns < 2 {
		maxTurns = 2
	}
	if maxTurns%2 != 0 {
		maxTurns--
	}

	return HistoryConfig{
		DBPath:   getEnvOrDefault("HISTORY_DB_PATH", "data/personabot.db"),
		MaxTurns: maxTurns,
	}, nil
}

// PersonaConfig 描述角色配置文件。
type PersonaConfig struct {
	File  string
	Watch bool
}

func loadPersonaConfig() (PersonaConfig, error) {
	watch, err := parseBoolEnv("PERSONA_WATCH", true)
	if err != nil {
		return PersonaConfig{}, err
	}
	return PersonaConfig{
		File:  strings.TrimSpace(os.Getenv("PERSONA_FILE")),
		Watch: watch,
	}, nil
}

func loadLogConfig() logging.Config {
	return logging.Config{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "text"),
		Dir:    strings.TrimSpace(os.Getenv("LOG_DIR")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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
