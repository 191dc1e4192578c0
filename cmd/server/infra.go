package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"vetting/internal/platform/config"
	"vetting/internal/platform/kafka"
	"vetting/internal/platform/objectstore"
	"vetting/internal/platform/postgres"
	"vetting/internal/platform/redis"
	"vetting/internal/verification/admins"
	"vetting/internal/verification/checks"
	"vetting/internal/verification/models"
	"vetting/internal/verification/service"
	"vetting/internal/verification/store"
	"vetting/pkg/platform/audit"
	"vetting/pkg/platform/audit/worker"
	"vetting/pkg/platform/httputil"
)

type verificationStore interface {
	service.Store
	CountStaleByStatus(ctx context.Context, status models.Status, olderThan time.Time) (int, error)
	AuditLog() audit.Store
}

// infrastructure holds the process-wide clients. Optional backends are nil
// when not configured.
type infrastructure struct {
	db        *sql.DB
	redis     *redis.Client
	producer  *kafka.Producer
	store     verificationStore
	documents service.DocumentStorage
	providers *checks.ProviderHealth
	relayDone chan struct{}
}

func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infrastructure, error) {
	infra := &infrastructure{}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		infra.db = db
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				infra.Close()
				return nil, err
			}
		}
		infra.store = store.NewPostgres(db)
		log.Info("using postgres stores")
	} else {
		infra.store = store.NewInMemoryStore()
		log.Warn("DATABASE_URL not set, records are kept in memory")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.redis = rc

	if len(cfg.Kafka.Brokers) > 0 && infra.db != nil {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.producer = producer
		if err := producer.EnsureTopic(ctx, cfg.Kafka.AuditTopic, 3, 1); err != nil {
			log.Warn("could not ensure audit topic", "topic", cfg.Kafka.AuditTopic, "error", err)
		}
	}

	if cfg.Storage.S3Bucket != "" {
		s3, err := objectstore.NewS3Storage(ctx, cfg.Storage)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.documents = s3
	} else {
		infra.documents = objectstore.NewMemoryStorage()
		log.Warn("S3_BUCKET not set, uploaded documents are kept in memory")
	}
	return infra, nil
}

// startRelay runs the outbox worker until ctx is cancelled. It needs both the
// database and a Kafka producer.
func (i *infrastructure) startRelay(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) {
	if i.db == nil || i.producer == nil {
		return
	}
	w := worker.NewWorker(worker.NewPostgresOutbox(i.db), i.producer, cfg.AuditTopic,
		worker.WithBatchSize(cfg.RelayBatchSize),
		worker.WithInterval(cfg.RelayInterval),
		worker.WithLogger(log),
	)
	i.relayDone = make(chan struct{})
	go func() {
		defer close(i.relayDone)
		_ = w.Run(ctx)
	}()
	log.Info("audit outbox relay started", "topic", cfg.AuditTopic)
}

func (i *infrastructure) waitRelay() {
	if i.relayDone != nil {
		<-i.relayDone
	}
}

func (i *infrastructure) Close() {
	if i.producer != nil {
		i.producer.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func (i *infrastructure) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	healthy := true
	probe := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			deps[name] = "down"
			healthy = false
			return
		}
		deps[name] = "up"
	}
	if i.db != nil {
		probe("postgres", i.db.PingContext)
	}
	if i.redis != nil {
		probe("redis", i.redis.Health)
	}
	if i.producer != nil {
		probe("kafka", i.producer.Health)
	}

	status := http.StatusOK
	body := map[string]any{"status": "ok", "dependencies": deps}
	if i.providers != nil {
		body["providers"] = i.providers.Status()
		if i.providers.Degraded() {
			body["status"] = "degraded"
		}
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "down"
	}
	httputil.WriteJSON(w, status, body)
}

// buildChecks picks the check clients. Providers without credentials stay
// unconfigured and fail closed at run time.
func buildChecks(cfg config.Config, infra *infrastructure, log *slog.Logger) checks.Set {
	var set checks.Set
	if cfg.Checks.UseSimulated {
		set = checks.NewSimulated(checks.SimulatedConfig{Latency: cfg.Checks.SimulatedLatency}).Set()
		log.Warn("using simulated checks, results are marked SIMULATED")
	} else {
		set = checks.UnconfiguredSet()
		if p := cfg.Checks.NationalID; p.Configured() {
			set.NationalID = checks.NewHTTPNationalIDClient(checks.HTTPConfig{BaseURL: p.BaseURL, APIKey: p.APIKey})
		} else {
			log.Warn("national ID provider not configured")
		}
		if p := cfg.Checks.CriminalRecord; p.Configured() {
			set.CriminalRecord = checks.NewHTTPCriminalRecordClient(checks.HTTPConfig{BaseURL: p.BaseURL, APIKey: p.APIKey})
		} else {
			log.Warn("criminal record provider not configured")
		}
		if p := cfg.Checks.Phone; p.Configured() {
			set.Phone = checks.NewHTTPPhoneClient(checks.HTTPConfig{BaseURL: p.BaseURL, APIKey: p.APIKey})
		} else {
			log.Warn("phone verification provider not configured")
		}
	}

	infra.providers = checks.NewProviderHealth(log)
	set = infra.providers.Track(set)

	var cache checks.ResultCache
	if infra.redis != nil {
		cache = checks.NewRedisCache(infra.redis.Client, cfg.Redis.ResultTTL)
	} else {
		cache = checks.NewMemoryCache(cfg.Redis.ResultTTL)
	}
	return checks.Deduplicate(set, cache, log)
}

func buildAdmins(ctx context.Context, cfg config.Config, infra *infrastructure) (admins.Directory, error) {
	return admins.Open(ctx, infra.db, cfg.Admin.UserIDs)
}
