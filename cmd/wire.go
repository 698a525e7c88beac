package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bnema/chatsession/internal/adapters/engine/hosted"
	"github.com/bnema/chatsession/internal/adapters/engine/web"
	"github.com/bnema/chatsession/internal/adapters/httpapi"
	statusadapter "github.com/bnema/chatsession/internal/adapters/render/status"
	tomlrepo "github.com/bnema/chatsession/internal/adapters/repo/toml"
	chainstore "github.com/bnema/chatsession/internal/adapters/secrets/chain"
	filestore "github.com/bnema/chatsession/internal/adapters/secrets/file"
	passstore "github.com/bnema/chatsession/internal/adapters/secrets/pass"
	"github.com/bnema/chatsession/internal/adapters/text"
	"github.com/bnema/chatsession/internal/application"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/viper"
)

type app struct {
	cfg            *viper.Viper
	logger         *slog.Logger
	repo           *tomlrepo.Repository
	secrets        ports.SecretStore
	statusRenderer func(statusadapter.Report) (string, error)
	now            func() time.Time
}

func wireApp(configPath string, logOutput io.Writer) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.SetDefault(httpapi.AddrKey, httpapi.DefaultAddr)

	logger, err := newLogger(cfg, logOutput)
	if err != nil {
		return nil, err
	}

	repo, err := tomlrepo.NewRepository(cfg, ports.SystemClock{})
	if err != nil {
		return nil, fmt.Errorf("wire session repository: %w", err)
	}
	secrets, err := newSecretStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire secret store: %w", err)
	}

	return &app{
		cfg:            cfg,
		logger:         logger,
		repo:           repo,
		secrets:        secrets,
		statusRenderer: statusadapter.Render,
		now:            time.Now,
	}, nil
}

const (
	secretsBackendKey = "secrets.backend"

	backendFile = "file"
	backendPass = "pass"
	backendAuto = "auto"
)

// newSecretStore picks where hosted engine keys live: plain files, pass,
// or pass with a file fallback.
func newSecretStore(cfg *viper.Viper) (ports.SecretStore, error) {
	cfg.SetDefault(secretsBackendKey, backendFile)

	switch backend := strings.ToLower(strings.TrimSpace(cfg.GetString(secretsBackendKey))); backend {
	case backendFile:
		return filestore.NewStore(cfg)
	case backendPass:
		return passstore.NewStore(cfg), nil
	case backendAuto:
		return chainstore.NewPassFirstWithFileFallback(cfg)
	default:
		return nil, fmt.Errorf("unknown %s %q: %w", secretsBackendKey, backend, domain.ErrInvalidParam)
	}
}

func (a *app) catalog() (*text.Catalog, error) {
	catalog, err := text.NewCatalog(a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("wire text catalog: %w", err)
	}
	return catalog, nil
}

// webEngine returns nil without error when no gateway url is configured.
func (a *app) webEngine() (*web.Client, error) {
	client, err := web.NewClient(a.cfg)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wire web engine: %w", err)
	}
	return client, nil
}

// hostedEngine returns nil without error when no usable key is configured.
func (a *app) hostedEngine(ctx context.Context) (*hosted.Client, error) {
	if len(a.cfg.GetStringSlice(hosted.KeysKey)) == 0 {
		return nil, nil
	}
	client, err := hosted.NewClient(ctx, a.cfg, a.secrets, hosted.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("wire hosted engine: %w", err)
	}
	if !client.Available() {
		a.logger.Warn("hosted engine disabled: no api key could be read")
		return nil, nil
	}
	return client, nil
}

func (a *app) scheduler(ctx context.Context, recorder ports.Recorder) (*application.Scheduler, error) {
	webClient, err := a.webEngine()
	if err != nil {
		return nil, err
	}
	hostedClient, err := a.hostedEngine(ctx)
	if err != nil {
		return nil, err
	}

	// Typed nils must not reach the scheduler as non-nil interfaces.
	var (
		chat      ports.ChatEngine
		completer ports.HostedEngine
	)
	if webClient != nil {
		chat = webClient
	}
	if hostedClient != nil {
		completer = hostedClient
	}
	if chat == nil && completer == nil {
		return nil, fmt.Errorf("no engine configured: set %s or %s: %w", web.BaseURLKey, hosted.KeysKey, domain.ErrNoResource)
	}

	return application.NewScheduler(chat, completer,
		application.WithSchedulerLogger(a.logger),
		application.WithSchedulerRecorder(recorder),
	), nil
}

func (a *app) manager(ctx context.Context, recorder ports.Recorder) (*application.SessionManager, error) {
	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}
	scheduler, err := a.scheduler(ctx, recorder)
	if err != nil {
		return nil, err
	}

	manager, err := application.NewSessionManager(ctx, a.repo, catalog, scheduler,
		application.WithManagerLogger(a.logger),
		application.WithManagerRecorder(recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("wire session manager: %w", err)
	}
	return manager, nil
}
