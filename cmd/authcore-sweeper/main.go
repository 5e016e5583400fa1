// authcore-sweeper runs the periodic lifecycle sweeps against a shared
// authcore database: expiring sessions, grants, and emergency requests past
// their deadlines, and pruning audit entries past the retention horizon.
//
// It is a standalone daemon so a fleet of API nodes embedding the engine does
// not race to run the same sweeps. Configuration comes from the environment.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	authcore "github.com/guardpost/authcore"
	"github.com/guardpost/authcore/store/postgres"
)

type envSpec struct {
	DSN string `envconfig:"DSN" required:"true"`

	Interval       time.Duration `envconfig:"sweep_interval" default:"1m"`
	AuditRetention time.Duration `envconfig:"audit_retention" default:"17520h"` // two years

	Migrate bool `envconfig:"migrate" default:"false"`

	LogLevel string `envconfig:"log_level" default:"info"`
	Debug    bool   `envconfig:"debug" default:"false"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	specs := new(envSpec)
	if err := envconfig.Process("", specs); err != nil {
		return fmt.Errorf("environment sourcing: %w", err)
	}

	logger, err := newLogger(specs.LogLevel, specs.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Connect(ctx, specs.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if specs.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	logger.Infow("sweeper started",
		"interval", specs.Interval,
		"audit_retention", specs.AuditRetention,
	)

	ticker := time.NewTicker(specs.Interval)
	defer ticker.Stop()

	for {
		sweep(ctx, store, specs.AuditRetention, logger)

		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, store *postgres.Store, retention time.Duration, logger *zap.SugaredLogger) {
	now := time.Now()

	sessions, err := store.ExpireSessionsBefore(ctx, now)
	if err != nil {
		logger.Errorw("expire sessions", "error", err)
	}
	grants, err := store.ExpireGrantsBefore(ctx, now)
	if err != nil {
		logger.Errorw("expire grants", "error", err)
	}
	emergencies, err := store.ExpireEmergencyRequestsBefore(ctx, now)
	if err != nil {
		logger.Errorw("expire emergency requests", "error", err)
	}
	cutoff := now.Add(-retention)
	pruned, err := store.PruneAuditBefore(ctx, cutoff)
	if err != nil {
		logger.Errorw("prune audit log", "error", err)
	} else if pruned > 0 {
		// Pruning is the one sanctioned deletion from the trail; the
		// deletion itself must land in the trail.
		if aerr := store.AppendAuditEntry(ctx, pruneEntry(now, cutoff, pruned)); aerr != nil {
			logger.Errorw("record audit prune", "error", aerr)
		}
	}

	if sessions+grants+emergencies+pruned > 0 {
		logger.Infow("sweep complete",
			"sessions_expired", sessions,
			"grants_expired", grants,
			"emergency_requests_expired", emergencies,
			"audit_entries_pruned", pruned,
		)
	}
}

// pruneEntry mirrors the entry Engine.PruneAudit emits, so compliance
// queries see one shape regardless of which path pruned.
func pruneEntry(now, cutoff time.Time, count int) *authcore.AuditLogEntry {
	return &authcore.AuditLogEntry{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ActorID:      "authcore-sweeper",
		Action:       "audit.pruned",
		ResourceType: "audit",
		Compliance:   true,
		Timestamp:    now,
		Details: map[string]string{
			"cutoff": cutoff.UTC().Format(time.RFC3339),
			"count":  strconv.Itoa(count),
		},
	}
}

func newLogger(level string, debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg.Level = parsed

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
