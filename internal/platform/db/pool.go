package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// PoolConfig configures the shared connection pool.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// Logger, when set, receives pgx query logs at LogLevel.
	Logger   *zerolog.Logger
	LogLevel tracelog.LogLevel
}

func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "clinic-server"
	}
	if pc.Logger != nil {
		level := pc.LogLevel
		if level == 0 {
			level = tracelog.LogLevelWarn
		}
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   zerologAdapter{logger: *pc.Logger},
			LogLevel: level,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// zerologAdapter forwards pgx trace logs to zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	var evt *zerolog.Event
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		evt = a.logger.Debug()
	case tracelog.LogLevelInfo:
		evt = a.logger.Info()
	case tracelog.LogLevelWarn:
		evt = a.logger.Warn()
	default:
		evt = a.logger.Error()
	}
	evt.Fields(data).Str("component", "pgx").Msg(msg)
}

// ParseLogLevel maps a zerolog level name onto the pgx trace level.
func ParseLogLevel(s string) tracelog.LogLevel {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return tracelog.LogLevelWarn
	}
	switch lvl {
	case zerolog.TraceLevel:
		return tracelog.LogLevelTrace
	case zerolog.DebugLevel:
		return tracelog.LogLevelDebug
	case zerolog.InfoLevel:
		return tracelog.LogLevelInfo
	case zerolog.WarnLevel:
		return tracelog.LogLevelWarn
	case zerolog.Disabled, zerolog.NoLevel:
		return tracelog.LogLevelNone
	default:
		return tracelog.LogLevelError
	}
}
