package exorunctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mw "github.com/kiranshivaraju/exorun/internal/api/middleware"
	"github.com/kiranshivaraju/exorun/internal/store"
)

// Keygen creates an API key and prints the raw key. The raw key cannot be
// recovered afterwards.
func (a *App) Keygen(ctx context.Context, name string, scopes []string) error {
	raw, key, err := mw.GenerateAPIKey(name, scopes)
	if err != nil {
		return err
	}

	keys, release, err := a.OpenKeyStore(ctx)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer release()

	if err := keys.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("generated API key collided with an existing one; run keygen again")
		}
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Fprintf(a.Out, "Created API key %q\n", key.Name)
	fmt.Fprintf(a.Out, "  id:     %s\n", key.ID)
	fmt.Fprintf(a.Out, "  prefix: %s\n", key.KeyPrefix)
	fmt.Fprintf(a.Out, "  scopes: %s\n", strings.Join(key.Scopes, ","))
	fmt.Fprintf(a.Out, "\n%s\n\nStore this key now; it is not shown again.\n", raw)
	return nil
}
