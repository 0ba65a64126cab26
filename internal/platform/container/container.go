package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
	"github.com/jinford/meeting-snapshot/internal/infra/openai"
	"github.com/jinford/meeting-snapshot/internal/infra/postgres"
	"github.com/jinford/meeting-snapshot/internal/infra/prompts"
	"github.com/jinford/meeting-snapshot/internal/infra/zoom"
	"github.com/jinford/meeting-snapshot/internal/platform/metrics"
	"github.com/jinford/meeting-snapshot/pkg/config"
	"github.com/jinford/meeting-snapshot/pkg/db"
)

const maxRetryDelay = 32 * time.Second

// ServiceContainer はスナップショット生成に必要な依存関係を保持する
type ServiceContainer struct {
	SnapshotService *snapshot.SnapshotService
	Orchestrator    *snapshot.Orchestrator
	Fields          *snapshot.StaticFieldRegistry
	Cache           *transcript.Cache
	Metrics         *metrics.Collector

	// Zoom は認証情報が設定されている場合のみ non-nil
	Zoom *zoom.Client

	logger      *slog.Logger
	database    *db.DB
	stopJanitor context.CancelFunc
}

type containerOptions struct {
	logger    *slog.Logger
	llmClient snapshot.LLMClient
	archive   snapshot.Archive
	source    transcript.Source
	templates snapshot.TemplateRegistry
	sleep     func(ctx context.Context, d time.Duration) error
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerLLMClient は LLM クライアントを差し替える
func WithContainerLLMClient(client snapshot.LLMClient) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerArchive はアーカイブを差し替える（データベースには接続しない）
func WithContainerArchive(archive snapshot.Archive) ContainerOption {
	return func(opts *containerOptions) {
		opts.archive = archive
	}
}

// WithContainerSource はキャッシュの内側で使うトランスクリプト取得元を差し替える
func WithContainerSource(source transcript.Source) ContainerOption {
	return func(opts *containerOptions) {
		opts.source = source
	}
}

// WithContainerTemplates はプロンプトテンプレートを差し替える
func WithContainerTemplates(templates snapshot.TemplateRegistry) ContainerOption {
	return func(opts *containerOptions) {
		opts.templates = templates
	}
}

// WithContainerRetrySleep はリトライ待機を差し替える（テスト用）
func WithContainerRetrySleep(sleep func(ctx context.Context, d time.Duration) error) ContainerOption {
	return func(opts *containerOptions) {
		opts.sleep = sleep
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	c := &ServiceContainer{
		Fields:  snapshot.DefaultFieldRegistry(),
		Metrics: metrics.NewCollector(),
		logger:  logger,
	}

	// Archive (PostgreSQL or memory)
	archive := options.archive
	if archive == nil {
		var err error
		archive, err = c.openArchive(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	// Retrying Invoker
	invokerOpts := []retry.InvokerOption{
		retry.WithLogger(logger),
		retry.WithObserver(c.Metrics),
	}
	if options.sleep != nil {
		invokerOpts = append(invokerOpts, retry.WithSleep(options.sleep))
	}
	invoker, err := retry.NewInvoker(retry.Policy{
		MaxRetries: cfg.LLM.MaxRetries,
		BaseDelay:  cfg.LLM.RetryBaseDelay,
		Multiplier: cfg.LLM.RetryMultiplier,
		Timeout:    cfg.LLM.Timeout,
		Jitter:     cfg.LLM.RetryJitter,
		MaxDelay:   maxRetryDelay,
	}, invokerOpts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create retry invoker: %w", err)
	}

	// LLMClient (OpenAI)
	llmClient := options.llmClient
	if llmClient == nil {
		openaiClient, err := openai.NewClient(cfg.LLM.APIKey,
			openai.WithModel(cfg.LLM.Model),
			openai.WithTimeout(cfg.LLM.Timeout),
			openai.WithBaseURL(cfg.LLM.BaseURL),
		)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		llmClient = openaiClient
	}

	// Prompt templates
	templates := options.templates
	if templates == nil {
		registry, err := prompts.NewRegistry(cfg.LLM.PromptDir)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to load prompt templates: %w", err)
		}
		templates = registry
	}

	// Transcript source (file / zoom) wrapped by the cache
	source := options.source
	if source == nil {
		source, err = c.buildSource(cfg, invoker)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	c.Cache = transcript.NewCache(cfg.Cache.Capacity, transcript.WithCacheObserver(c.Metrics))
	cached := transcript.NewCachedSource(c.Cache, source, cfg.Cache.TTL, transcript.WithCachedSourceLogger(logger))

	janitorCtx, stop := context.WithCancel(context.Background())
	c.stopJanitor = stop
	c.Cache.StartJanitor(janitorCtx, cfg.Cache.SweepInterval)
	logger.Info("transcript cache ready",
		"capacity", c.Cache.Capacity(),
		"ttl", cfg.Cache.TTL,
		"sweepInterval", cfg.Cache.SweepInterval,
	)

	// Stages
	stage := stageConfig(cfg)
	workflow := workflowConfig(cfg)

	analyzerOpts := []snapshot.AnalyzerOption{snapshot.WithAnalyzerLogger(logger)}
	generatorOpts := []snapshot.SectionGeneratorOption{
		snapshot.WithGeneratorLogger(logger),
		snapshot.WithScoringPolicy(snapshot.NewMarkerScoringPolicy(c.Fields)),
	}
	if tokens, err := openai.NewTokenCounter(cfg.LLM.Model); err != nil {
		logger.Warn("token counter unavailable, falling back to character limits", "error", err)
	} else {
		analyzerOpts = append(analyzerOpts, snapshot.WithAnalyzerTokenCounter(tokens))
		generatorOpts = append(generatorOpts, snapshot.WithGeneratorTokenCounter(tokens))
	}

	analyzer := snapshot.NewAnalyzer(llmClient, invoker, stage, analyzerOpts...)
	generator := snapshot.NewSectionGenerator(llmClient, invoker, templates, stage, generatorOpts...)
	validator := snapshot.NewValidator(llmClient, invoker, c.Fields, stage, workflow, snapshot.WithValidatorLogger(logger))

	orchestratorOpts := []snapshot.OrchestratorOption{
		snapshot.WithOrchestratorLogger(logger),
		snapshot.WithRunObserver(c.Metrics),
	}
	if cfg.Cache.RedactSecrets {
		redactor, err := transcript.NewRedactor()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create redactor: %w", err)
		}
		orchestratorOpts = append(orchestratorOpts, snapshot.WithRedactor(redactor))
	}

	orchestrator, err := snapshot.NewOrchestrator(cached, analyzer, generator, validator, c.Fields, workflow, orchestratorOpts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	c.Orchestrator = orchestrator

	c.SnapshotService = snapshot.NewSnapshotService(orchestrator, archive,
		snapshot.WithServiceLogger(logger),
		snapshot.WithJobObserver(c.Metrics),
	)

	return c, nil
}

func (c *ServiceContainer) openArchive(ctx context.Context, cfg *config.Config) (snapshot.Archive, error) {
	if !cfg.Database.Enabled {
		c.logger.Info("using in-memory snapshot archive")
		return snapshot.NewMemoryArchive(), nil
	}

	database, err := db.New(ctx, db.ConnectionParams{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxConns),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	c.database = database

	if err := postgres.RunMigrations(ctx, database.SQL); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	c.logger.Info("using PostgreSQL snapshot archive", "host", cfg.Database.Host, "database", cfg.Database.DBName)
	return postgres.NewArchiveRepository(database.SQL), nil
}

// buildSource は "file:" と "zoom:" の参照を振り分ける Source を作成する。
// スキームのない参照はローカルファイルとして扱う。
func (c *ServiceContainer) buildSource(cfg *config.Config, invoker *retry.Invoker) (transcript.Source, error) {
	files := transcript.NewFileSource(cfg.Cache.BaseDir)
	mux := transcript.NewMux(files)
	mux.Handle("file", files)

	if cfg.Zoom.Enabled() {
		client, err := NewZoomClient(cfg.Zoom, zoom.WithInvoker(invoker), zoom.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.Zoom = client
		mux.Handle("zoom", client)
	}

	return mux, nil
}

// NewZoomClient は設定から Zoom クライアントを作成する
func NewZoomClient(cfg config.ZoomConfig, opts ...zoom.Option) (*zoom.Client, error) {
	client, err := zoom.NewClient(zoom.Config{
		AccountID:    cfg.AccountID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		UserID:       cfg.UserID,
		BaseURL:      cfg.BaseURL,
		TokenURL:     cfg.TokenURL,
		Timeout:      cfg.Timeout,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zoom client: %w", err)
	}
	return client, nil
}

func stageConfig(cfg *config.Config) snapshot.StageConfig {
	stage := snapshot.DefaultStageConfig()
	stage.Model = cfg.LLM.Model
	stage.SectionTemperature = cfg.LLM.Temperature
	stage.SectionMaxTokens = cfg.LLM.MaxTokensPerSection
	stage.AnalysisMaxTokens = cfg.LLM.MaxTokensAnalysis
	stage.TranscriptTokenBudget = cfg.LLM.TranscriptTokenBudget
	return stage
}

func workflowConfig(cfg *config.Config) snapshot.WorkflowConfig {
	return snapshot.WorkflowConfig{
		Parallel:                 cfg.Workflow.Parallel,
		MaxParallelSections:      cfg.Workflow.MaxParallelSections,
		MinConfidence:            cfg.Workflow.MinConfidence,
		MaxImprovementIterations: cfg.Workflow.MaxImprovementIterations,
		EnableValidation:         cfg.Workflow.EnableValidation,
		EnableImprovements:       cfg.Workflow.EnableImprovements,
		EnableElicitation:        cfg.Workflow.EnableElicitation,
		ConflictResolution:       snapshot.ConflictResolution(cfg.Workflow.ConflictResolution),
	}
}

// Shutdown は実行中のジョブを待ってからリソースを解放する
func (c *ServiceContainer) Shutdown(ctx context.Context) error {
	var err error
	if c != nil && c.SnapshotService != nil {
		err = c.SnapshotService.Shutdown(ctx)
	}
	c.Close()
	return err
}

// Close は内部リソースを解放する
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.stopJanitor != nil {
		c.stopJanitor()
	}
	if c.database != nil {
		c.database.Close()
		c.database = nil
	}
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
