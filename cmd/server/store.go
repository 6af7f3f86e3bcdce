package main

import (
	"context"
	"fmt"

	"github.com/ecoshare/backend/config"
	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/database"
	"github.com/ecoshare/backend/internal/handlers"
	"github.com/ecoshare/backend/internal/repository"
	"go.uber.org/zap"
)

type userStore interface {
	handlers.UserStore
	chat.UserDirectory
}

// stores bundles the repositories of one persistence driver.
type stores struct {
	users userStore
	convs chat.ConversationRepository
	msgs  chat.MessageRepository
	close func(context.Context) error
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, cfg.GetDSN(), database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		log.Info("running database migrations")
		if err := database.RunMigrations(ctx, db.DB, log); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			users: repository.NewUserRepository(db),
			convs: repository.NewConversationRepository(db),
			msgs:  repository.NewMessageRepository(db),
			close: func(context.Context) error { return db.Close() },
		}, nil

	case "mongo":
		ms, err := repository.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		created, err := ms.EnsureIndexes(ctx)
		if err != nil {
			_ = ms.Close(ctx)
			return nil, err
		}
		log.Info("mongo indexes ready", zap.Strings("indexes", created))
		return &stores{
			users: ms.Users(),
			convs: ms.Conversations(),
			msgs:  ms.Messages(),
			close: ms.Close,
		}, nil

	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		ms := repository.NewMemoryStore()
		return &stores{
			users: ms.Users(),
			convs: ms.Conversations(),
			msgs:  ms.Messages(),
			close: func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
