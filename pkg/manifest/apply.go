package manifest

import (
	"errors"

	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/models"
	"github.com/weave-nn/weave/pkg/registry"
)

// Applier keeps a registry in sync with a manifest store: creates
// register, updates re-register, deletes deregister.
type Applier struct {
	registry *registry.Registry
	logger   logging.Logger
}

// NewApplier creates an applier for the given registry
func NewApplier(reg *registry.Registry, logger logging.Logger) *Applier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Applier{registry: reg, logger: logger}
}

// Bind applies all current manifests and subscribes to future changes
func (a *Applier) Bind(store *Store) {
	for _, m := range store.List() {
		a.apply(Event{Type: EventCreated, Name: m.Metadata.Name, Manifest: m})
	}
	store.OnChange(a.apply)
}

func (a *Applier) apply(event Event) {
	switch event.Type {
	case EventCreated, EventUpdated:
		a.upsert(event.Manifest.Profile())
	case EventDeleted:
		if err := a.registry.Deregister(event.Name); err != nil && !errors.Is(err, registry.ErrExpertNotFound) {
			a.logger.Warn("manifest deregistration failed",
				logging.String("expert_id", event.Name), logging.Err(err))
		}
	}
}

func (a *Applier) upsert(profile models.ExpertProfile) {
	err := a.registry.Register(profile)
	if errors.Is(err, registry.ErrDuplicateExpert) {
		// Re-register to pick up changed capabilities. In-flight task
		// state is dropped, which matches a manifest edit's intent.
		if err := a.registry.Deregister(profile.ID); err == nil {
			err = a.registry.Register(profile)
		}
	}
	if err != nil {
		a.logger.Warn("manifest registration failed",
			logging.String("expert_id", profile.ID), logging.Err(err))
	}
}
