package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weave-nn/weave/pkg/models"
	"github.com/weave-nn/weave/pkg/registry"
)

const validManifest = `
apiVersion: weave.dev/v1
kind: Expert
metadata:
  name: code-reviewer
  description: Reviews pull requests
  labels:
    team: platform
spec:
  type: reviewer
  capabilities:
    - name: review
      proficiency: 0.9
    - name: typescript
      proficiency: 0.7
  max_concurrent_tasks: 2
`

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateManifest(t *testing.T) {
	valid := func() *ExpertManifest {
		return &ExpertManifest{
			APIVersion: APIVersion,
			Kind:       KindExpert,
			Metadata:   ExpertMeta{Name: "worker-1"},
			Spec: ExpertSpec{
				Type:         models.WorkerExpertType,
				Capabilities: []models.Capability{{Name: "go", Proficiency: 0.8}},
			},
		}
	}

	require.NoError(t, ValidateManifest(valid()))

	cases := []struct {
		name   string
		mutate func(*ExpertManifest)
	}{
		{"wrong apiVersion", func(m *ExpertManifest) { m.APIVersion = "weave.dev/v2" }},
		{"wrong kind", func(m *ExpertManifest) { m.Kind = "Pod" }},
		{"missing name", func(m *ExpertManifest) { m.Metadata.Name = "" }},
		{"uppercase name", func(m *ExpertManifest) { m.Metadata.Name = "Worker" }},
		{"missing type", func(m *ExpertManifest) { m.Spec.Type = "" }},
		{"no capabilities", func(m *ExpertManifest) { m.Spec.Capabilities = nil }},
		{"proficiency out of range", func(m *ExpertManifest) { m.Spec.Capabilities[0].Proficiency = 1.2 }},
		{"negative concurrency", func(m *ExpertManifest) { m.Spec.MaxConcurrentTasks = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(m)
			require.Error(t, ValidateManifest(m))
		})
	}
}

func TestManifestProfile(t *testing.T) {
	m := &ExpertManifest{
		APIVersion: APIVersion,
		Kind:       KindExpert,
		Metadata: ExpertMeta{
			Name:        "worker-1",
			Description: "does work",
			Labels:      map[string]string{"team": "core"},
		},
		Spec: ExpertSpec{
			Type:         models.WorkerExpertType,
			Capabilities: []models.Capability{{Name: "go", Proficiency: 0.8}},
		},
	}

	profile := m.Profile()
	assert.Equal(t, "worker-1", profile.ID)
	assert.Equal(t, models.WorkerExpertType, profile.Type)
	assert.Equal(t, models.ExpertIdle, profile.Status)
	assert.Equal(t, 1, profile.MaxConcurrentTasks, "zero concurrency defaults to one")
	assert.Equal(t, "does work", profile.Metadata["description"])
	assert.Equal(t, "core", profile.Metadata["team"])
}

func TestStoreLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "reviewer.yaml", validManifest)
	writeManifest(t, dir, "notes.txt", "not a manifest")

	store, err := NewStore([]string{dir, filepath.Join(dir, "missing")}, nil)
	require.NoError(t, err)
	defer store.Close()

	assert.Len(t, store.List(), 1)
	m, ok := store.Get("code-reviewer")
	require.True(t, ok)
	assert.Equal(t, models.ReviewExpertType, m.Spec.Type)
}

func TestStoreEvents(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "reviewer.yaml", validManifest)

	store, err := NewStore([]string{dir}, nil)
	require.NoError(t, err)
	defer store.Close()

	var events []Event
	store.OnChange(func(e Event) { events = append(events, e) })

	t.Run("reload emits updated", func(t *testing.T) {
		require.NoError(t, store.LoadManifest(path))
		require.Len(t, events, 1)
		assert.Equal(t, EventUpdated, events[0].Type)
		assert.Equal(t, "code-reviewer", events[0].Name)
	})

	t.Run("new file emits created", func(t *testing.T) {
		other := writeManifest(t, dir, "worker.yaml", `
apiVersion: weave.dev/v1
kind: Expert
metadata:
  name: worker-1
spec:
  type: worker
  capabilities:
    - name: go
      proficiency: 0.8
`)
		require.NoError(t, store.LoadManifest(other))
		require.Len(t, events, 2)
		assert.Equal(t, EventCreated, events[1].Type)
	})

	t.Run("removal emits deleted", func(t *testing.T) {
		store.removeByPath(path)
		require.Len(t, events, 3)
		assert.Equal(t, EventDeleted, events[2].Type)
		assert.Equal(t, "code-reviewer", events[2].Name)
		_, ok := store.Get("code-reviewer")
		assert.False(t, ok)
	})

	t.Run("invalid manifest is rejected", func(t *testing.T) {
		bad := writeManifest(t, dir, "bad.yaml", "apiVersion: nope\n")
		require.Error(t, store.LoadManifest(bad))
	})
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore([]string{dir}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.StartWatching(context.Background()))

	writeManifest(t, dir, "late.yaml", `
apiVersion: weave.dev/v1
kind: Expert
metadata:
  name: late-joiner
spec:
  type: worker
  capabilities:
    - name: go
      proficiency: 0.8
`)

	require.Eventually(t, func() bool {
		_, ok := store.Get("late-joiner")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApplierSyncsRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "reviewer.yaml", validManifest)

	store, err := NewStore([]string{dir}, nil)
	require.NoError(t, err)
	defer store.Close()

	reg := registry.New(nil)
	NewApplier(reg, nil).Bind(store)

	t.Run("existing manifests register", func(t *testing.T) {
		got, err := reg.Get("code-reviewer")
		require.NoError(t, err)
		assert.Equal(t, 2, got.MaxConcurrentTasks)
	})

	t.Run("update re-registers with new capabilities", func(t *testing.T) {
		writeManifest(t, dir, "reviewer.yaml", `
apiVersion: weave.dev/v1
kind: Expert
metadata:
  name: code-reviewer
spec:
  type: reviewer
  capabilities:
    - name: review
      proficiency: 0.95
  max_concurrent_tasks: 4
`)
		require.NoError(t, store.LoadManifest(path))

		got, err := reg.Get("code-reviewer")
		require.NoError(t, err)
		assert.Equal(t, 4, got.MaxConcurrentTasks)
		assert.True(t, got.HasCapability("review", 0.95))
		assert.False(t, got.HasCapability("typescript", 0))
	})

	t.Run("delete deregisters", func(t *testing.T) {
		store.removeByPath(path)
		_, err := reg.Get("code-reviewer")
		require.ErrorIs(t, err, registry.ErrExpertNotFound)
	})
}
