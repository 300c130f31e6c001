package manifest

import (
	"github.com/weave-nn/weave/pkg/models"
)

// APIVersion accepted in expert manifests
const APIVersion = "weave.dev/v1"

// KindExpert is the only manifest kind
const KindExpert = "Expert"

// ExpertManifest declares one expert in YAML
type ExpertManifest struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Metadata   ExpertMeta `yaml:"metadata"`
	Spec       ExpertSpec `yaml:"spec"`
}

// ExpertMeta contains expert identification
type ExpertMeta struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// ExpertSpec defines the expert's registry profile
type ExpertSpec struct {
	Type               models.ExpertType   `yaml:"type"`
	Capabilities       []models.Capability `yaml:"capabilities"`
	MaxConcurrentTasks int                 `yaml:"max_concurrent_tasks"`
}

// Profile converts a manifest to a registry profile
func (m *ExpertManifest) Profile() models.ExpertProfile {
	metadata := make(map[string]string, len(m.Metadata.Labels)+1)
	for k, v := range m.Metadata.Labels {
		metadata[k] = v
	}
	if m.Metadata.Description != "" {
		metadata["description"] = m.Metadata.Description
	}

	maxConcurrent := m.Spec.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return models.ExpertProfile{
		ID:                 m.Metadata.Name,
		Type:               m.Spec.Type,
		Capabilities:       append([]models.Capability(nil), m.Spec.Capabilities...),
		Status:             models.ExpertIdle,
		MaxConcurrentTasks: maxConcurrent,
		Metadata:           metadata,
	}
}
