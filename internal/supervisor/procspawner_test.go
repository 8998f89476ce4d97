package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/protocol"
)

// writeScriptPlugin drops a bash-script plugin with a manifest into root.
func writeScriptPlugin(t *testing.T, root, name, script string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := fmt.Sprintf("name: %s\nversion: \"0.0.1\"\nprotocol: 1\nentrypoint: run.sh\n", name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))
}

func discoverPlugins(t *testing.T, root string) *plugin.ExternalSet {
	t.Helper()
	set, err := plugin.Discover(root, t.Logf)
	require.NoError(t, err)
	return set
}

func newExternalSupervisor(t *testing.T, set *plugin.ExternalSet) *Supervisor {
	t.Helper()
	return New(Config{
		KV:       newTestKV(t),
		Loader:   plugin.NewStaticLoader(plugin.NewRegistry()),
		External: set,
	})
}

func TestProcSpawnerRunsScriptPlugin(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "responder", `#!/bin/bash
read -r input
echo '{"result":{"outcome":{"status":"ok","output":{"from":"script"}},"duration_ms":1}}'
`)

	s := newExternalSupervisor(t, discoverPlugins(t, root))

	result := s.Execute(context.Background(), execInput("external:responder", "test.event"), 5*time.Second)
	require.True(t, result.Outcome.OK(), "outcome: %+v", result.Outcome)
	assert.JSONEq(t, `{"from":"script"}`, string(result.Outcome.Output))
}

func TestProcSpawnerServesStorageEnvelopes(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "stateful", `#!/bin/bash
read -r input
echo '{"envelope":{"id":1,"kind":"storage.set","payload":{"key":"script-key","value":"stored"}}}'
read -r reply1
echo '{"envelope":{"id":2,"kind":"storage.get","payload":{"key":"script-key"}}}'
read -r reply2
echo '{"result":{"outcome":{"status":"ok","output":{"read_back":true}},"duration_ms":3}}'
`)

	kv := newTestKV(t)
	s := New(Config{
		KV:       kv,
		Loader:   plugin.NewStaticLoader(plugin.NewRegistry()),
		External: discoverPlugins(t, root),
	})

	result := s.Execute(context.Background(), execInput("external:stateful", "test.event"), 5*time.Second)
	require.True(t, result.Outcome.OK(), "outcome: %+v", result.Outcome)

	v, found, err := kv.Get(context.Background(), "inst-1", "script-key")
	require.NoError(t, err)
	require.True(t, found, "the script's storage.set must have landed")
	assert.Equal(t, `"stored"`, string(v))
}

func TestProcSpawnerCrashedPluginProducesFailure(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "crasher", `#!/bin/bash
read -r input
echo "something went sideways" >&2
exit 3
`)

	s := newExternalSupervisor(t, discoverPlugins(t, root))

	result := s.Execute(context.Background(), execInput("external:crasher", "test.event"), 5*time.Second)
	assert.Equal(t, protocol.StatusError, result.Outcome.Status)
	assert.Equal(t, "worker crashed", result.Outcome.Error)
}

func TestProcSpawnerHungPluginHitsOverallTimeout(t *testing.T) {
	root := t.TempDir()
	writeScriptPlugin(t, root, "sleeper", `#!/bin/bash
read -r input
sleep 60
`)

	s := newExternalSupervisor(t, discoverPlugins(t, root))

	overall := 300 * time.Millisecond
	start := time.Now()
	result := s.Execute(context.Background(), execInput("external:sleeper", "test.event"), overall)

	assert.Equal(t, protocol.StatusError, result.Outcome.Status)
	assert.Equal(t, "execution timed out", result.Outcome.Error)
	assert.Equal(t, overall.Milliseconds(), result.DurationMS)
	assert.Less(t, time.Since(start), 5*time.Second, "return must not wait for the process to die")
}

func TestProcSpawnerUnknownPlugin(t *testing.T) {
	s := newExternalSupervisor(t, discoverPlugins(t, t.TempDir()))

	result := s.Execute(context.Background(), execInput("external:ghost", "test.event"), 5*time.Second)
	assert.Equal(t, protocol.StatusError, result.Outcome.Status)
	assert.Contains(t, result.Outcome.Error, "spawn worker")
	assert.Contains(t, result.Outcome.Error, "plugin not found")
}

func TestProcSpawnerRespectsDeclaredEvents(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "picky")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `name: picky
protocol: 1
entrypoint: run.sh
events:
  - billing.updated
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/bash\n"), 0o755))

	s := newExternalSupervisor(t, discoverPlugins(t, root))

	result := s.Execute(context.Background(), execInput("external:picky", "chat.message"), 5*time.Second)
	assert.Equal(t, protocol.StatusError, result.Outcome.Status)
	assert.Contains(t, result.Outcome.Error, "does not handle event type")
}

func TestProcSpawnerRejectsBuiltinRefs(t *testing.T) {
	sp := NewProcSpawner(discoverPlugins(t, t.TempDir()))

	input := &protocol.WorkerInput{Protocol: protocol.Version, PluginRef: "builtin:echo"}
	_, err := sp.Spawn(context.Background(), input)
	assert.Error(t, err)
}

func TestBoundedBufferCapsCapture(t *testing.T) {
	b := &boundedBuffer{limit: 8}

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "writes always report full length so the process never sees EPIPE-style errors")
	assert.Equal(t, "01234567", b.String())

	// Further writes are dropped.
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "01234567", b.String())
}
