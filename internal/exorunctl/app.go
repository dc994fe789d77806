// Package exorunctl implements the operator commands behind the exorunctl CLI.
package exorunctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kiranshivaraju/exorun/internal/client"
	"github.com/kiranshivaraju/exorun/internal/config"
	"github.com/kiranshivaraju/exorun/internal/engine"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

// KeyCreator is the part of the job repository keygen needs.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the application's output.
	Out io.Writer
	// Client talks to the exorun server. When nil, an HTTP client is built
	// from Params.
	Client client.Client
	// SampleUsage reads resource figures for a local engine process.
	SampleUsage func(ctx context.Context, pid int) (*engine.Usage, error)
	// OpenKeyStore connects to the repository that holds API keys. The
	// returned function releases it.
	OpenKeyStore func(ctx context.Context) (KeyCreator, func(), error)
}

// Params holds all user-customizable parameters.
type Params struct {
	Server      string
	APIKey      string
	DatabaseURL string
	Interval    time.Duration
}

// New instantiates an App with default parameters.
func New() *App {
	a := &App{
		Params:      &Params{Interval: 2 * time.Second},
		Out:         os.Stdout,
		SampleUsage: engine.SampleUsage,
	}
	a.OpenKeyStore = a.openPostgres
	return a
}

func (a *App) api() client.Client {
	if a.Client != nil {
		return a.Client
	}
	return client.NewHTTPClient(a.Params.Server, a.Params.APIKey, 30*time.Second)
}

func (a *App) openPostgres(ctx context.Context) (KeyCreator, func(), error) {
	if a.Params.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("a database URL is required (--database-url or DATABASE_URL)")
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             a.Params.DatabaseURL,
		MaxOpenConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
