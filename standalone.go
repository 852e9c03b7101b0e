package durablestreams

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durable-streams/server/hooks"
	"github.com/durable-streams/server/retention"
	"github.com/durable-streams/server/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StandaloneConfig configures a Handler built outside of Caddy, by the
// reference-server CLI (cmd/durable-streams-server, §A.3).
type StandaloneConfig struct {
	DataDir              string
	MaxFileHandles       int
	MetadataBackend      string
	MaxWaiters           int
	LongPollTimeout      time.Duration
	SSEReconnectInterval time.Duration
	RetentionScanPeriod  time.Duration
	RegistryStreamPath   string
	Logger               *zap.Logger
}

// NewStandaloneHandler builds a Handler and starts its retention scheduler,
// without going through Caddy's Provision/caddy.Context lifecycle. The
// caller owns the returned Handler's Close/Cleanup call.
func NewStandaloneHandler(cfg StandaloneConfig) (*Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		DataDir:              cfg.DataDir,
		MaxFileHandles:       cfg.MaxFileHandles,
		MetadataBackend:      cfg.MetadataBackend,
		MaxWaiters:           cfg.MaxWaiters,
		LongPollTimeout:      caddy.Duration(cfg.LongPollTimeout),
		SSEReconnectInterval: caddy.Duration(cfg.SSEReconnectInterval),
		RetentionScanPeriod:  caddy.Duration(cfg.RetentionScanPeriod),
		RegistryStreamPath:   cfg.RegistryStreamPath,
		logger:               logger,
	}

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	var instanceID string
	if h.DataDir == "" {
		h.store = store.NewMemoryStore(h.MaxWaiters)
		instanceID = uuid.NewString()
		logger.Info("using in-memory store (no data directory configured)")
	} else {
		var err error
		instanceID, err = store.LoadOrCreateInstanceID(h.DataDir)
		if err != nil {
			return nil, fmt.Errorf("load instance id: %w", err)
		}
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:         h.DataDir,
			MaxFileHandles:  h.MaxFileHandles,
			MetadataBackend: h.MetadataBackend,
			MaxWaiters:      h.MaxWaiters,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize file store: %w", err)
		}
		h.store = fileStore
		logger.Info("using file-backed store", zap.String("data_dir", h.DataDir))
	}
	h.cursorGen = store.CursorGenerator{InstanceID: instanceID}

	h.hookBus = hooks.New(logger)
	if h.RegistryStreamPath != "" {
		if _, _, err := h.store.Create(h.RegistryStreamPath, store.CreateOptions{ContentType: "application/json"}); err != nil {
			return nil, fmt.Errorf("provision registry stream: %w", err)
		}
		hooks.MirrorToRegistry(h.hookBus, h.RegistryStreamPath, storeAppender{h.store})
	}

	h.retentionScheduler = retention.New(h.store, cfg.RetentionScanPeriod, logger)
	var retentionCtx context.Context
	retentionCtx, h.retentionCancel = context.WithCancel(context.Background())
	h.retentionScheduler.Start(retentionCtx)

	return h, nil
}

// ServeMux adapts Handler to http.Handler for use outside Caddy's routing.
func (h *Handler) ServeMux() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.ServeHTTP(w, r, caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return nil
		}))
		if err != nil {
			h.logger.Error("unhandled handler error", zap.Error(err))
		}
	})
}

// Close releases the handler's store and background goroutines, for
// callers that built it via NewStandaloneHandler instead of Caddy's
// Provision/Cleanup lifecycle.
func (h *Handler) Close() error {
	return h.Cleanup()
}
