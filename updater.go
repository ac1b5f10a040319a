package precache

import (
	"context"
	"time"
)

// ConfigLoader returns the config of the version that should be active.
type ConfigLoader func() (Config, error)

// Update loads the current config and registers it.
// Nothing happens if the loaded version is already active.
func (r *Registration) Update(ctx context.Context, load ConfigLoader) (*Worker, error) {
	config, err := load()
	if err != nil {
		return nil, err
	}
	return r.Register(ctx, config)
}

// StartUpdates runs a loop registering the loaded config every interval,
// until the context is canceled. Failed updates are logged and retried
// on the next tick.
func (r *Registration) StartUpdates(ctx context.Context, interval time.Duration, load ConfigLoader) {
	r.log.Info().Msgf("Starting update loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("Update loop stopped")
			return
		case <-ticker.C:
			w, err := r.Update(ctx, load)
			if err != nil {
				r.log.Error().Err(err).Msg("Could not update")
				continue
			}
			r.log.Trace().Str("version", w.Version()).Msg("Update check done")
		}
	}
}
