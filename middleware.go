package precache

import (
	"context"
	"net/http"
)

// Middleware returns a middleware serving the configured version in front
// of the wrapped handler, which acts as the network.
// The version is installed and activated against the wrapped handler when
// the middleware is applied. If that fails, requests are passed through.
func Middleware(ctx context.Context, config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		reg := NewRegistration(HandlerFetcher{Handler: next}, config.Logger)
		if _, err := reg.Register(ctx, config); err != nil {
			reg.log.Error().Err(err).Msg("Could not register, passing requests through")
		}
		return reg
	}
}
