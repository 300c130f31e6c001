package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateManifest validates an expert manifest against the schema
func ValidateManifest(m *ExpertManifest) error {
	var errors []string

	if m.APIVersion == "" {
		errors = append(errors, "apiVersion is required")
	} else if m.APIVersion != APIVersion {
		errors = append(errors, fmt.Sprintf("unsupported apiVersion: %s (expected %s)", m.APIVersion, APIVersion))
	}

	if m.Kind == "" {
		errors = append(errors, "kind is required")
	} else if m.Kind != KindExpert {
		errors = append(errors, fmt.Sprintf("invalid kind: %s (expected %s)", m.Kind, KindExpert))
	}

	if m.Metadata.Name == "" {
		errors = append(errors, "metadata.name is required")
	} else if !namePattern.MatchString(m.Metadata.Name) {
		errors = append(errors, "metadata.name must be lowercase alphanumeric with hyphens")
	}

	if m.Spec.Type == "" {
		errors = append(errors, "spec.type is required")
	}
	if len(m.Spec.Capabilities) == 0 {
		errors = append(errors, "spec.capabilities must not be empty")
	}
	for i, c := range m.Spec.Capabilities {
		if c.Name == "" {
			errors = append(errors, fmt.Sprintf("spec.capabilities[%d].name is required", i))
		}
		if c.Proficiency < 0 || c.Proficiency > 1 {
			errors = append(errors, fmt.Sprintf("spec.capabilities[%d].proficiency must be in [0,1]", i))
		}
	}
	if m.Spec.MaxConcurrentTasks < 0 {
		errors = append(errors, "spec.max_concurrent_tasks must not be negative")
	}

	if len(errors) > 0 {
		return fmt.Errorf("manifest validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}
