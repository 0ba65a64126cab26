package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig は設定値が範囲外の場合のエラー
var ErrInvalidConfig = errors.New("invalid configuration")

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// LLM設定
	LLM LLMConfig

	// ワークフロー設定
	Workflow WorkflowConfig

	// トランスクリプトキャッシュ設定
	Cache CacheConfig

	// Zoom連携設定
	Zoom ZoomConfig

	// Database設定（スナップショットのアーカイブ）
	Database DatabaseConfig

	// HTTPサーバー設定
	Server ServerConfig

	// ログ設定
	Log LogConfig
}

// LLMConfig は LLM 呼び出しの設定
type LLMConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxTokensPerSection int
	MaxTokensAnalysis   int
	Timeout             time.Duration

	// リトライ設定（MaxRetries は初回を含む試行回数）
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryJitter     float64

	// TranscriptTokenBudget はプロンプトに入れる文字起こしの最大トークン数
	TranscriptTokenBudget int

	// PromptDir はプロンプトテンプレートの上書きディレクトリ（空なら組み込みのみ）
	PromptDir string
}

// WorkflowConfig はスナップショット生成の動作設定
type WorkflowConfig struct {
	Parallel                 bool
	MaxParallelSections      int
	MinConfidence            float64
	MaxImprovementIterations int
	EnableValidation         bool
	EnableImprovements       bool
	EnableElicitation        bool
	ConflictResolution       string // "later-wins" or "earlier-wins"
	DefaultOutputFormat      string // "json" or "markdown"
}

// CacheConfig はトランスクリプトキャッシュの設定
type CacheConfig struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration // 0 の場合はバックグラウンドの掃除を行わない
	BaseDir       string        // ローカル .vtt ファイルの基準ディレクトリ
	RedactSecrets bool          // 解析前に API キーやパスワードを伏せ字にする
}

// ZoomConfig は Zoom Server-to-Server OAuth の設定
type ZoomConfig struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	UserID       string
	BaseURL      string
	TokenURL     string
	Timeout      time.Duration
}

// Enabled は Zoom 連携に必要な認証情報が揃っているかを返す
func (c ZoomConfig) Enabled() bool {
	return c.AccountID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	// Enabled が false の場合はメモリ上のアーカイブを使う
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	ConnMaxLifetime time.Duration
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	GinMode         string
}

// Addr は listen アドレスを返す
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		LLM: LLMConfig{
			APIKey:                getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
			BaseURL:               getEnv("LLM_BASE_URL", ""),
			Model:                 getEnv("LLM_MODEL", "gpt-4o-mini"),
			Temperature:           getEnvAsFloat("LLM_TEMPERATURE", 0.3),
			MaxTokensPerSection:   getEnvAsInt("LLM_MAX_TOKENS_PER_SECTION", 1500),
			MaxTokensAnalysis:     getEnvAsInt("LLM_MAX_TOKENS_ANALYSIS", 2000),
			Timeout:               getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			MaxRetries:            getEnvAsInt("LLM_MAX_RETRIES", 3),
			RetryBaseDelay:        getEnvAsDuration("LLM_RETRY_BASE_DELAY", time.Second),
			RetryMultiplier:       getEnvAsFloat("LLM_RETRY_MULTIPLIER", 2.0),
			RetryJitter:           getEnvAsFloat("LLM_RETRY_JITTER", 0.1),
			TranscriptTokenBudget: getEnvAsInt("LLM_TRANSCRIPT_TOKEN_BUDGET", 12000),
			PromptDir:             getEnv("LLM_PROMPT_DIR", ""),
		},
		Workflow: WorkflowConfig{
			Parallel:                 getEnvAsBool("WORKFLOW_PARALLEL_SECTION_GENERATION", false),
			MaxParallelSections:      getEnvAsInt("WORKFLOW_MAX_PARALLEL_SECTIONS", 0),
			MinConfidence:            getEnvAsFloat("WORKFLOW_MIN_CONFIDENCE_THRESHOLD", 0.5),
			MaxImprovementIterations: getEnvAsInt("WORKFLOW_MAX_IMPROVEMENT_ITERATIONS", 2),
			EnableValidation:         getEnvAsBool("WORKFLOW_ENABLE_VALIDATION", true),
			EnableImprovements:       getEnvAsBool("WORKFLOW_ENABLE_IMPROVEMENTS", true),
			EnableElicitation:        getEnvAsBool("WORKFLOW_ENABLE_ELICITATION", true),
			ConflictResolution:       getEnv("WORKFLOW_CONFLICT_RESOLUTION", "later-wins"),
			DefaultOutputFormat:      getEnv("WORKFLOW_DEFAULT_OUTPUT_FORMAT", "markdown"),
		},
		Cache: CacheConfig{
			Capacity:      getEnvAsInt("TRANSCRIPT_CACHE_CAPACITY", 100),
			TTL:           getEnvAsDuration("TRANSCRIPT_CACHE_TTL", time.Hour),
			SweepInterval: getEnvAsDuration("TRANSCRIPT_CACHE_SWEEP_INTERVAL", 5*time.Minute),
			BaseDir:       getEnv("TRANSCRIPT_BASE_DIR", ""),
			RedactSecrets: getEnvAsBool("TRANSCRIPT_REDACT_SECRETS", true),
		},
		Zoom: ZoomConfig{
			AccountID:    getEnv("ZOOM_ACCOUNT_ID", ""),
			ClientID:     getEnv("ZOOM_CLIENT_ID", ""),
			ClientSecret: getEnv("ZOOM_CLIENT_SECRET", ""),
			UserID:       getEnv("ZOOM_USER_ID", "me"),
			BaseURL:      getEnv("ZOOM_API_BASE_URL", "https://api.zoom.us/v2"),
			TokenURL:     getEnv("ZOOM_TOKEN_URL", "https://zoom.us/oauth/token"),
			Timeout:      getEnvAsDuration("ZOOM_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvAsBool("DB_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "snapshot"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "snapshot"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			GinMode:         getEnv("SERVER_GIN_MODE", "release"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の範囲を検証します
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 1, "LLM_TEMPERATURE must be within [0,1] (got %v)", c.LLM.Temperature)
	check(c.LLM.MaxTokensPerSection >= 100 && c.LLM.MaxTokensPerSection <= 4000, "LLM_MAX_TOKENS_PER_SECTION must be within [100,4000] (got %d)", c.LLM.MaxTokensPerSection)
	check(c.LLM.MaxTokensAnalysis >= 500 && c.LLM.MaxTokensAnalysis <= 4000, "LLM_MAX_TOKENS_ANALYSIS must be within [500,4000] (got %d)", c.LLM.MaxTokensAnalysis)
	check(c.LLM.Timeout >= 10*time.Second && c.LLM.Timeout <= 300*time.Second, "LLM_TIMEOUT must be within [10s,300s] (got %s)", c.LLM.Timeout)
	check(c.LLM.MaxRetries >= 1 && c.LLM.MaxRetries <= 5, "LLM_MAX_RETRIES must be within [1,5] (got %d)", c.LLM.MaxRetries)
	check(c.LLM.RetryBaseDelay > 0, "LLM_RETRY_BASE_DELAY must be > 0 (got %s)", c.LLM.RetryBaseDelay)
	check(c.LLM.RetryJitter >= 0 && c.LLM.RetryJitter <= 1, "LLM_RETRY_JITTER must be within [0,1] (got %v)", c.LLM.RetryJitter)
	check(c.LLM.TranscriptTokenBudget >= 0, "LLM_TRANSCRIPT_TOKEN_BUDGET must be >= 0 (got %d)", c.LLM.TranscriptTokenBudget)

	check(c.Workflow.MinConfidence >= 0 && c.Workflow.MinConfidence <= 1, "WORKFLOW_MIN_CONFIDENCE_THRESHOLD must be within [0,1] (got %v)", c.Workflow.MinConfidence)
	check(c.Workflow.MaxImprovementIterations >= 0 && c.Workflow.MaxImprovementIterations <= 5, "WORKFLOW_MAX_IMPROVEMENT_ITERATIONS must be within [0,5] (got %d)", c.Workflow.MaxImprovementIterations)
	check(c.Workflow.MaxParallelSections >= 0, "WORKFLOW_MAX_PARALLEL_SECTIONS must be >= 0 (got %d)", c.Workflow.MaxParallelSections)
	check(oneOf(c.Workflow.ConflictResolution, "later-wins", "earlier-wins"), "WORKFLOW_CONFLICT_RESOLUTION must be later-wins or earlier-wins (got %q)", c.Workflow.ConflictResolution)
	check(oneOf(c.Workflow.DefaultOutputFormat, "json", "markdown"), "WORKFLOW_DEFAULT_OUTPUT_FORMAT must be json or markdown (got %q)", c.Workflow.DefaultOutputFormat)

	check(c.Cache.Capacity >= 1, "TRANSCRIPT_CACHE_CAPACITY must be >= 1 (got %d)", c.Cache.Capacity)
	check(c.Cache.TTL >= 0, "TRANSCRIPT_CACHE_TTL must be >= 0 (got %s)", c.Cache.TTL)
	check(c.Cache.SweepInterval >= 0, "TRANSCRIPT_CACHE_SWEEP_INTERVAL must be >= 0 (got %s)", c.Cache.SweepInterval)

	check(c.Database.Port > 0 && c.Database.Port <= 65535, "DB_PORT must be within [1,65535] (got %d)", c.Database.Port)
	// マイグレーション中はロック用に1接続を占有する
	check(c.Database.MaxConns >= 2, "DB_MAX_CONNS must be >= 2 (got %d)", c.Database.MaxConns)

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "SERVER_PORT must be within [1,65535] (got %d)", c.Server.Port)
	check(oneOf(c.Server.GinMode, "debug", "release", "test"), "SERVER_GIN_MODE must be debug, release or test (got %q)", c.Server.GinMode)

	check(oneOf(c.Log.Level, "debug", "info", "warn", "error"), "LOG_LEVEL must be debug, info, warn or error (got %q)", c.Log.Level)
	check(oneOf(c.Log.Format, "json", "text"), "LOG_FORMAT must be json or text (got %q)", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ConnectionString はPostgreSQLの接続文字列を返します
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func oneOf(value string, candidates ...string) bool {
	for _, c := range candidates {
		if value == c {
			return true
		}
	}
	return false
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を期間として取得します。
// "90s" のような期間表記に加え、単位なしの整数は秒として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
