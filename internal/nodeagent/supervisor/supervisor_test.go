package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostplane.io/platform/internal/nodeagent/actor"
	"ghostplane.io/platform/internal/nodeagent/imagepull"
	"ghostplane.io/platform/internal/nodeagent/instance"
	"ghostplane.io/platform/internal/nodeplan"
	"ghostplane.io/platform/internal/pkg/logger"
	"ghostplane.io/platform/internal/pkg/worker"
)

func spawnTestImagePullActor(ctx context.Context, sup *NodeSupervisor) *actor.Handle {
	return actor.Spawn(ctx, "image-pull", imagepull.NewActor(sup.puller), actor.DefaultRestartPolicy(), 8)
}

func init() {
	_ = logger.Init("error", "json")
}

type fakeRuntime struct{}

func (fakeRuntime) StartVM(ctx context.Context, plan nodeplan.InstancePlan, rootdiskPath string) (instance.VMHandle, error) {
	return instance.VMHandle{BootID: "boot_1", InstanceID: plan.InstanceID}, nil
}
func (fakeRuntime) StopVM(ctx context.Context, handle instance.VMHandle) error { return nil }
func (fakeRuntime) CheckVMHealth(ctx context.Context, handle instance.VMHandle) (bool, error) {
	return true, nil
}

// newTestPuller pre-registers an empty-digest rootdisk so EnsurePulled hits
// the cache and never reaches the network during these actor-wiring tests.
func newTestPuller(t *testing.T) *imagepull.Puller {
	t.Helper()
	dir := t.TempDir()
	cache := imagepull.NewCache(imagepull.DefaultCacheConfig(dir))
	cache.RegisterRootdisk("", filepath.Join(dir, "fake.ext4"), 0)
	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return imagepull.NewPuller(imagepull.PullerConfig{OCI: imagepull.DefaultOCIConfig(dir), RootdiskDir: dir}, cache, pools)
}

func TestNodeSupervisor_SpawnInstance_SpawnsAndTracksInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := New(DefaultConfig(), nil, fakeRuntime{}, nil, newTestPuller(t))
	sup.imagePull = spawnTestImagePullActor(ctx, sup)

	err := sup.spawnInstance(ctx, nodeplan.InstancePlan{InstanceID: "inst_1", Image: nodeplan.Image{Ref: "app", ResolvedDigest: ""}})
	require.NoError(t, err)

	assert.Equal(t, 1, sup.InstanceCount())
}

func TestNodeSupervisor_ApplyPlan_RemovesInstanceNotInDesiredSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := New(DefaultConfig(), nil, fakeRuntime{}, nil, newTestPuller(t))
	sup.imagePull = spawnTestImagePullActor(ctx, sup)

	require.NoError(t, sup.spawnInstance(ctx, nodeplan.InstancePlan{InstanceID: "inst_1"}))
	require.Equal(t, 1, sup.InstanceCount())

	require.NoError(t, sup.applyPlan(ctx, nil))

	require.Eventually(t, func() bool {
		return sup.InstanceCount() == 0
	}, time.Second, 5*time.Millisecond)
}
