// Package bootstrap wires the ambient infrastructure (Postgres, Redis,
// logger, limits) shared by every cmd/ entrypoint; it does not initialize
// tracing. Grounded on
// yungbote-neurobridge-backend's internal/data/db (NewPostgresService)
// and internal/realtime/bus (NewRedisBus dial options) — here collapsed
// into one helper per process since each binary only needs a subset.
package bootstrap

import (
	"fmt"
	"log"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/logger"
)

// Infra bundles the shared, long-lived handles a process needs.
type Infra struct {
	Log    *logger.Logger
	Redis  *goredis.Client
	DB     *gorm.DB
	Limits config.Limits
}

// New reads EVAL_LOG_MODE, POSTGRES_*, and REDIS_* env vars, builds the
// shared infra, and returns it. db is optional — pass wantDB=false for
// processes that never touch the durable store directly.
func New(serviceName string, wantDB bool) (*Infra, error) {
	log, err := logger.New(config.GetEnv("EVAL_LOG_MODE", "production", nil))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build logger: %w", err)
	}
	log = log.With("service", serviceName)

	limits := config.LoadLimits(config.GetEnv("EVAL_LIMITS_FILE", "", log), log)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379", log),
		Password: config.GetEnv("REDIS_PASSWORD", "", log),
		DB:       config.GetEnvAsInt("REDIS_DB", 0, log),
	})

	infra := &Infra{Log: log, Redis: rdb, Limits: limits}

	if !wantDB {
		return infra, nil
	}

	db, err := openPostgres(log)
	if err != nil {
		return nil, err
	}
	infra.DB = db
	return infra, nil
}

func openPostgres(log *logger.Logger) (*gorm.DB, error) {
	host := config.GetEnv("POSTGRES_HOST", "localhost", log)
	port := config.GetEnv("POSTGRES_PORT", "5432", log)
	user := config.GetEnv("POSTGRES_USER", "postgres", log)
	password := config.GetEnv("POSTGRES_PASSWORD", "", log)
	name := config.GetEnv("POSTGRES_NAME", "evalcore", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	gormLog := gormlogger.New(
		stdlog(),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	return db, nil
}

func stdlog() *log.Logger {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}
