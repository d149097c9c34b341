package backend

import "github.com/go-vserial/vserial/internal/logging"

// New constructs the backend selected by cfg.Name. Only the literal
// "io_uring" selects the ring backend; anything else, including the
// zero value, falls back to the classic backend.
func New(cfg Config, logger *logging.Logger) (Backend, error) {
	if cfg.Entries == 0 {
		cfg.Entries = 128
	}
	if cfg.Name == NameIOURing {
		if logger != nil {
			logger.Debugf("selecting io_uring backend (entries=%d)", cfg.Entries)
		}
		return newRingBackend(cfg.Entries)
	}
	if logger != nil {
		logger.Debugf("selecting classic aio backend (entries=%d)", cfg.Entries)
	}
	return newClassicBackend(cfg.Entries)
}
