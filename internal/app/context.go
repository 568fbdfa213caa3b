package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"deptrack/internal/config"
	"deptrack/internal/db"
	"deptrack/internal/domain"
	"deptrack/internal/engine"
	"deptrack/internal/logging"
	"deptrack/internal/migrate"
	"deptrack/internal/repo"
)

// Context bundles what a command needs: the migrated database, the workspace
// config, the process logger and an engine wired to all three.
type Context struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Log       *zap.Logger
	Engine    engine.Engine

	logCloser io.Closer
}

// Options override parts of the workspace configuration.
type Options struct {
	Workspace  string
	ConfigPath string
	LogLevel   string
}

// Open loads config, builds the logger and opens and migrates the database.
func Open(ctx context.Context, opts Options) (*Context, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logOpts := cfg.LogOptions()
	if opts.LogLevel != "" {
		logOpts.Level = opts.LogLevel
	}
	log, closer, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		closer.Close()
		return nil, err
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		closer.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		log.Info("applied migrations", zap.Strings("versions", applied), zap.String("db", db.Path(opts.Workspace)))
	}
	return &Context{
		Workspace: opts.Workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Log:       log,
		Engine:    engine.New(conn, log),
		logCloser: closer,
	}, nil
}

func (c *Context) Close() error {
	_ = c.Log.Sync()
	err := c.DB.Close()
	if cerr := c.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

// ResolveActor loads the acting user. The role stored for the user is the
// only source of its permissions.
func ResolveActor(ctx context.Context, r repo.Repo, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, fmt.Errorf("acting user not specified; use --user or DEPTRACK_USER")
	}
	u, err := r.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, domain.NotFoundError{Kind: "user", ID: userID}
		}
		return domain.User{}, err
	}
	return u, nil
}

// SeedDirectory writes the departments and users of a directory file.
func SeedDirectory(ctx context.Context, r repo.Repo, path string) (int, int, error) {
	dir, err := config.DirectoryFromFile(path)
	if err != nil {
		return 0, 0, err
	}
	depts, users, err := dir.Resolve(time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, 0, err
	}
	if err := r.SeedDirectory(ctx, depts, users); err != nil {
		return 0, 0, fmt.Errorf("seed directory: %w", err)
	}
	return len(depts), len(users), nil
}
