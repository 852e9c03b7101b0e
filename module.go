package durablestreams

import (
	"context"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durable-streams/server/hooks"
	"github.com/durable-streams/server/retention"
	"github.com/durable-streams/server/store"
	"github.com/durable-streams/server/webhook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for storing stream data.
	// If empty, uses in-memory storage (for testing).
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// MetadataBackend selects the embedded KV store backing C2: "bbolt"
	// (default) or "lmdb". Ignored for in-memory storage.
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// MaxWaiters bounds the number of concurrent long-poll/SSE suspensions
	// (C7, §4.7). 0 means unbounded.
	MaxWaiters int `json:"max_waiters,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// RetentionScanPeriod is how often the retention/TTL scheduler (C4)
	// sweeps every known stream. 0 uses retention.DefaultPeriod.
	RetentionScanPeriod caddy.Duration `json:"retention_scan_period,omitempty"`

	// RegistryStreamPath, if set, mirrors every lifecycle event (C8) on
	// other paths as JSON records appended to this stream path.
	RegistryStreamPath string `json:"registry_stream_path,omitempty"`

	// WebhookCallbackURL is the base URL for webhook callback endpoints.
	// If set, Provision builds a webhook.Manager and webhook.Routes (and
	// Cleanup shuts the manager down); ServeHTTP does not route requests to
	// them and stream events are not passed to the manager.
	WebhookCallbackURL string `json:"webhook_callback_url,omitempty"`

	store              store.Store
	logger             *zap.Logger
	webhookManager     *webhook.Manager
	webhookRoutes      *webhook.Routes
	cursorGen          store.CursorGenerator
	hookBus            *hooks.Bus
	retentionScheduler *retention.Scheduler
	retentionCancel    context.CancelFunc
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

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
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		var err error
		instanceID, err = store.LoadOrCreateInstanceID(h.DataDir)
		if err != nil {
			return fmt.Errorf("failed to load instance id: %w", err)
		}

		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:         h.DataDir,
			MaxFileHandles:  h.MaxFileHandles,
			MetadataBackend: h.MetadataBackend,
			MaxWaiters:      h.MaxWaiters,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.MetadataBackend))
	}
	h.cursorGen = store.CursorGenerator{InstanceID: instanceID}

	h.hookBus = hooks.New(h.logger)
	if h.RegistryStreamPath != "" {
		if _, _, err := h.store.Create(h.RegistryStreamPath, store.CreateOptions{ContentType: "application/json"}); err != nil {
			return fmt.Errorf("failed to provision registry stream: %w", err)
		}
		hooks.MirrorToRegistry(h.hookBus, h.RegistryStreamPath, storeAppender{h.store})
		h.logger.Info("lifecycle registry stream enabled", zap.String("path", h.RegistryStreamPath))
	}

	retentionPeriod := time.Duration(h.RetentionScanPeriod)
	h.retentionScheduler = retention.New(h.store, retentionPeriod, h.logger)
	var retentionCtx context.Context
	retentionCtx, h.retentionCancel = context.WithCancel(context.Background())
	h.retentionScheduler.Start(retentionCtx)

	if h.WebhookCallbackURL != "" {
		getTailOffset := func(path string) string {
			meta, err := h.store.Get(path)
			if err != nil {
				return "-1"
			}
			return meta.CurrentOffset.String()
		}
		h.webhookManager = webhook.NewManager(h.WebhookCallbackURL, getTailOffset, h.logger)
		h.webhookRoutes = webhook.NewRoutes(h.webhookManager)
		h.logger.Info("webhook subscriptions enabled", zap.String("callback_url", h.WebhookCallbackURL))
	}

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	switch h.MetadataBackend {
	case "", "bbolt", "lmdb":
	default:
		return fmt.Errorf("unknown metadata_backend %q: must be \"bbolt\" or \"lmdb\"", h.MetadataBackend)
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.retentionCancel != nil {
		h.retentionCancel()
	}
	if h.retentionScheduler != nil {
		h.retentionScheduler.Stop()
	}
	if h.webhookManager != nil {
		h.webhookManager.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    metadata_backend bbolt
//	    max_waiters 10000
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    retention_scan_period 5s
//	    registry_stream_path /v1/stream/_registry
//	    webhook_callback_url https://example.com/hooks
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "max_waiters":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxWaiters, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_waiters: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "retention_scan_period":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.RetentionScanPeriod = caddy.Duration(dur)
			case "registry_stream_path":
				if !d.Args(&h.RegistryStreamPath) {
					return d.ArgErr()
				}
			case "webhook_callback_url":
				if !d.Args(&h.WebhookCallbackURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// storeAppender adapts store.Store to hooks.Appender, so the hooks package
// never needs to import store.
type storeAppender struct {
	s store.Store
}

func (a storeAppender) Append(path string, data []byte, contentType string) error {
	_, err := a.s.Append(path, data, store.AppendOptions{ContentType: contentType})
	return err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
