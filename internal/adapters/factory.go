package adapters

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
)

// Factory builds and caches one adapter per configured AET.
type Factory struct {
	mu       sync.RWMutex
	adapters map[string]PACSAdapter

	cfg        *config.Config
	callingAET string
	mediator   *mediator.Mediator
}

func NewFactory(cfg *config.Config, mediator *mediator.Mediator) *Factory {
	return &Factory{
		adapters:   make(map[string]PACSAdapter),
		cfg:        cfg,
		callingAET: cfg.Server.CallingAET,
		mediator:   mediator,
	}
}

// Get returns the cached adapter for aet, constructing it on first use.
func (f *Factory) Get(aet string) (PACSAdapter, error) {
	f.mu.RLock()
	adapter, ok := f.adapters[aet]
	f.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if adapter, ok := f.adapters[aet]; ok {
		return adapter, nil
	}

	aetCfg, ok := f.cfg.ByAET(aet)
	if !ok {
		return nil, fmt.Errorf("unknown AET %q", aet)
	}

	var err error
	switch aetCfg.Backend {
	case config.BackendDIMSE:
		log.Info().Str("aet", aet).Str("host", aetCfg.Host).Int("port", aetCfg.Port).Msg("creating DIMSE adapter")
		adapter, err = NewDIMSEAdapter(f.callingAET, aetCfg, f.mediator)
	case config.BackendS3:
		log.Info().Str("aet", aet).Msg("creating S3 adapter")
		adapter = NewS3Adapter(aet)
	case config.BackendDisabled:
		adapter = NewDisabledAdapter(aet)
	default:
		return nil, fmt.Errorf("unsupported backend %q for AET %q", aetCfg.Backend, aet)
	}
	if err != nil {
		return nil, fmt.Errorf("creating adapter for %s: %w", aet, err)
	}

	f.adapters[aet] = adapter
	return adapter, nil
}

// List returns every configured AET's summary, without constructing an
// adapter for each (used by the Prometheus pool collector).
func (f *Factory) List() []config.AET {
	return f.cfg.AETs
}

// CloseAll closes every constructed adapter, used during graceful shutdown.
func (f *Factory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for aet, adapter := range f.adapters {
		if err := adapter.Close(); err != nil {
			log.Error().Err(err).Str("aet", aet).Msg("failed to close adapter")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
