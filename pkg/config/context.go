package config

import "context"

type contextKey struct{}

// IntoContext attaches the loaded configuration to the context. Commands
// stash it here during setup so subcommands receive their config without
// package-level state.
func IntoContext(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the configuration attached by IntoContext, or the
// defaults when the context carries none.
func FromContext(ctx context.Context) Config {
	if cfg, ok := ctx.Value(contextKey{}).(Config); ok {
		return cfg
	}
	return DefaultConfig()
}
