package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/engine"
)

// debounce is how long the channel must stay quiet after a notification
// before the rules reload. A bulk edit reloads once, after its last change.
const debounce = 200 * time.Millisecond

// ListenAndReload reloads reg from loader whenever channel is notified.
// Lost connections are re-acquired after a jittered backoff. It returns
// when ctx is done.
func ListenAndReload(ctx context.Context, pool *pgxpool.Pool, reg *engine.Registry, loader engine.RuleLoader, channel string, baseBackoff time.Duration) {
	for {
		err := listen(ctx, pool, reg, loader, channel)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Str("channel", channel).Msg("listener disconnected")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, pool *pgxpool.Pool, reg *engine.Registry, loader engine.RuleLoader, channel string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for rule changes")

	// Changes made while disconnected were never notified.
	reload(ctx, reg, loader)

	notes := make(chan string)
	errc := make(chan error, 1)
	go func() {
		for {
			ntf, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				errc <- err
				return
			}
			notes <- ntf.Payload
		}
	}()
	return coalesce(notes, errc, debounce, func() { reload(ctx, reg, loader) })
}

// coalesce calls fire once notes has been quiet for wait. It returns the
// first error from errc; the sender must not send on notes afterwards.
func coalesce(notes <-chan string, errc <-chan error, wait time.Duration, fire func()) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case err := <-errc:
			if timer != nil {
				timer.Stop()
			}
			return err
		case payload := <-notes:
			log.Debug().Str("payload", payload).Msg("rules changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			log.Info().Msg("reloading rules")
			fire()
		}
	}
}

func reload(ctx context.Context, reg *engine.Registry, loader engine.RuleLoader) {
	if err := reg.Reload(ctx, loader); err != nil {
		log.Error().Err(err).Msg("reload rules")
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x–1.5x
	return time.Duration(float64(base) * factor)
}
