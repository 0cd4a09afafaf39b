package relay

import (
	"fmt"

	"github.com/blockedby/wa-relay/internal/logger"
)

// guard runs fn under the best-effort boundary policy: errors are logged and
// panics recovered. The returned error is informational and never needs handling.
func guard(log *logger.Logger, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
			log.Error().Str("op", op).Interface("panic", r).Msg("relay: recovered panic")
		}
	}()

	if err = fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("relay: operation failed")
	}
	return err
}
