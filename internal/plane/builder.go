package plane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"execplane/internal/config"
	"execplane/internal/effort"
	"execplane/internal/executor"
	"execplane/internal/logging"
	"execplane/internal/memory"
	"execplane/internal/outbox"
	"execplane/internal/pipeline"
	"execplane/internal/policy"
	"execplane/internal/sandbox"
	"execplane/internal/secrets"
	"execplane/internal/store"
	"execplane/internal/telemetry"
)

// Builder assembles a Plane from configuration. Optional components are
// supplied with the With methods before Build; everything else is
// constructed from the config sections.
type Builder struct {
	cfg        *config.Config
	validation *pipeline.Pipeline
	registry   *executor.Registry
	sink       telemetry.Sink
	escalation sandbox.EscalationHandler
	provider   sandbox.Provider
	signer     *secrets.Signer
	masterKey  []byte
}

// NewBuilder starts a builder over cfg. Nil uses the defaults.
func NewBuilder(cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Builder{cfg: cfg}
}

// WithValidation sets the commit validation pipeline.
func (b *Builder) WithValidation(p *pipeline.Pipeline) *Builder {
	b.validation = p
	return b
}

// WithRegistry sets a pre-populated tool registry.
func (b *Builder) WithRegistry(r *executor.Registry) *Builder {
	b.registry = r
	return b
}

// WithTelemetrySink sets the exporter behind the event bus.
func (b *Builder) WithTelemetrySink(s telemetry.Sink) *Builder {
	b.sink = s
	return b
}

// WithEscalationHandler sets the decision-maker for sandbox escalations.
// Without one, every escalation is denied.
func (b *Builder) WithEscalationHandler(h sandbox.EscalationHandler) *Builder {
	b.escalation = h
	return b
}

// WithProvider sets the sandbox execution provider. Default is the local
// in-process provider.
func (b *Builder) WithProvider(p sandbox.Provider) *Builder {
	b.provider = p
	return b
}

// WithSigner sets the commit-receipt signer, overriding the configured
// seed file.
func (b *Builder) WithSigner(s *secrets.Signer) *Builder {
	b.signer = s
	return b
}

// WithMasterKey sets the 32-byte master key sealing snapshot state,
// overriding the configured key file.
func (b *Builder) WithMasterKey(key []byte) *Builder {
	b.masterKey = key
	return b
}

// Build wires the plane. Construction fails if configuration is invalid,
// storage cannot open, the policy document cannot load, or the audit chain
// fails integrity verification; a plane over a tampered log must never
// accept work.
func (b *Builder) Build(ctx context.Context) (*Plane, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logging.Dir != "" {
		if err := logging.Initialize(logging.Options{
			Dir:     cfg.Logging.Dir,
			Debug:   cfg.Logging.Debug,
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
		}); err != nil {
			return nil, err
		}
	}

	p := &Plane{cfg: cfg, validation: b.validation}

	sealer, err := b.wireSecrets(p)
	if err != nil {
		return nil, err
	}

	snapStore, auditStore, outboxStore, memStore, err := b.openStorage(p)
	if err != nil {
		return nil, err
	}
	if sealer != nil {
		snapStore = store.NewSealedSnapshotStore(snapStore, sealer)
	}

	// Audit chain: integrity failure here is fatal by design.
	redactor := memory.NewRedactor(cfg.Telemetry.SensitiveFields...)
	p.chain, err = memory.NewChain(ctx, auditStore, redactor)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.recorder = memory.NewRecorder(p.chain)

	if err := b.wirePolicy(p); err != nil {
		_ = p.Close()
		return nil, err
	}

	p.evaluator = effort.NewEvaluator(
		cfg.Effort.ApproveThreshold,
		cfg.Effort.RejectThreshold,
		effort.NewMetricsAggregator(cfg.Effort.MetricsWindow),
	)

	p.snapshots = memory.NewSnapshotManager(memory.SnapshotConfig{
		Interval:             cfg.Snapshots.Interval.Std(),
		MaxInterval:          cfg.Snapshots.MaxInterval.Std(),
		StateChangeThreshold: cfg.Snapshots.StateChangeThreshold,
		MemoryWriteThreshold: cfg.Snapshots.MemoryWriteThreshold,
		RetainCount:          cfg.Snapshots.RetainCount,
		Adaptive:             cfg.Snapshots.Adaptive,
	}, snapStore, p.chain, cfg.Name, "")

	p.retention = memory.NewRetentionManager(memory.RetentionConfig{
		HotAge:              cfg.Retention.HotAge.Std(),
		WarmAge:             cfg.Retention.WarmAge.Std(),
		ColdAge:             cfg.Retention.ColdAge.Std(),
		AccessHoldThreshold: cfg.Retention.HoldAccessCount,
	}, memStore, func(id string) {
		if _, err := p.snapshots.ObserveMemoryWrite(context.Background(), id); err != nil {
			logging.Get(logging.CategoryMemory).Warn("memory-write snapshot failed: %v", err)
		}
	})

	p.outbox = outbox.NewService(outboxStore, cfg.Executor.BackoffBase.Std())

	var cache outbox.ResultCache
	if cfg.Storage.RedisAddr != "" {
		rc := outbox.NewRedisCache(cfg.Storage.RedisAddr)
		p.closers = append(p.closers, rc.Close)
		cache = rc
	} else {
		cache = outbox.NewMemoryCache()
	}

	if b.sink == nil {
		b.sink = telemetry.NopSink{}
	}
	p.bus = telemetry.NewBus(b.sink, telemetry.NewRedactor(cfg.Telemetry.SensitiveFields...))
	if !cfg.Telemetry.Enabled {
		p.bus.Disable()
	}
	p.closers = append(p.closers, func() error { p.bus.Close(); return nil })

	p.registry = b.registry
	if p.registry == nil {
		p.registry = executor.NewRegistry()
	}
	provider := b.provider
	if provider == nil {
		provider = sandbox.NewLocalProvider()
	}

	p.wrapper = &executor.Wrapper{
		Registry:    p.registry,
		Gate:        p.gate,
		Effort:      p.evaluator,
		Outbox:      p.outbox,
		Cache:       cache,
		Provider:    provider,
		Escalation:  sandbox.NewEscalationManager(b.escalation),
		SandboxLog:  p.recorder,
		Recorder:    p.recorder,
		Telemetry:   p.bus,
		Timeout:     cfg.Executor.DefaultTimeout.Std(),
		MaxAttempts: cfg.Executor.MaxAttempts,
	}

	logging.Get(logging.CategoryBoot).Info("plane %s ready: driver=%s audit_entries=%d",
		cfg.Name, storageDriver(cfg), p.chain.LastSequence())
	return p, nil
}

// openStorage selects the configured drivers. The NDJSON audit file store
// takes precedence for the chain when an audit directory is configured.
func (b *Builder) openStorage(p *Plane) (store.SnapshotStore, store.AuditStore, store.OutboxStore, store.MemoryEntryStore, error) {
	cfg := b.cfg

	var (
		snaps store.SnapshotStore
		audit store.AuditStore
		obox  store.OutboxStore
		mems  store.MemoryEntryStore
	)

	switch storageDriver(cfg) {
	case "memory":
		snaps = store.NewMemorySnapshotStore()
		audit = store.NewMemoryAuditStore()
		obox = store.NewMemoryOutboxStore()
		mems = store.NewMemoryEntryMapStore()
	case "sqlite":
		path := cfg.Storage.DatabasePath
		if path == "" {
			path = filepath.Join(cfg.Workspace, ".plane", "plane.db")
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		p.closers = append(p.closers, db.Close)
		snaps, audit, obox, mems = db.Snapshots(), db.Audit(), db.Outbox(), db.Memories()
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.AuditDir != "" {
		fa, err := store.NewFileAuditStore(cfg.Storage.AuditDir, cfg.Storage.AuditRotateBytes)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open audit files: %w", err)
		}
		p.closers = append(p.closers, fa.Close)
		audit = fa
	}
	return snaps, audit, obox, mems, nil
}

// wireSecrets resolves the commit-receipt signer and the snapshot sealing
// envelope. Both are optional; a nil return means snapshots stay plain.
func (b *Builder) wireSecrets(p *Plane) (*secrets.Envelope, error) {
	cfg := b.cfg

	p.signer = b.signer
	if p.signer == nil && cfg.Secrets.SigningSeedFile != "" {
		seed, err := os.ReadFile(cfg.Secrets.SigningSeedFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing seed: %w", err)
		}
		signer, err := secrets.NewSignerFromSeed(seed)
		if err != nil {
			return nil, err
		}
		p.signer = signer
	}

	key := b.masterKey
	if key == nil && cfg.Secrets.MasterKeyFile != "" {
		data, err := os.ReadFile(cfg.Secrets.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key: %w", err)
		}
		key = data
	}
	if key == nil {
		return nil, nil
	}
	return secrets.NewEnvelope(key, cfg.Secrets.DataKeyTTL.Std())
}

// wirePolicy loads the rules document and optionally starts the hot-reload
// watcher.
func (b *Builder) wirePolicy(p *Plane) error {
	cfg := b.cfg

	var rules *policy.RuleSet
	if cfg.Policy.RulesPath != "" {
		loaded, err := policy.LoadRules(cfg.Policy.RulesPath)
		if err != nil {
			return fmt.Errorf("failed to load policy rules: %w", err)
		}
		rules = loaded
	}
	p.gate = policy.NewGate(rules)

	if cfg.Policy.WatchRules && cfg.Policy.RulesPath != "" {
		w, err := policy.NewWatcher(cfg.Policy.RulesPath, p.gate)
		if err != nil {
			return fmt.Errorf("failed to watch policy rules: %w", err)
		}
		if err := w.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start policy watcher: %w", err)
		}
		p.watcher = w
		p.closers = append(p.closers, func() error { w.Stop(); return nil })
	}
	return nil
}

func storageDriver(cfg *config.Config) string {
	if cfg.Storage.Driver == "" {
		return "memory"
	}
	return cfg.Storage.Driver
}
