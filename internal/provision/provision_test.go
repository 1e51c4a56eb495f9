package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbot/orchestrator/internal/config"
	"github.com/nbot/orchestrator/internal/containerdriver"
	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/nbot/orchestrator/internal/statestore"
)

type fakeDriver struct {
	networks    map[string]bool
	volumes     map[string]bool
	images      map[string]int64
	pulled      []string
	running     map[string]containerdriver.RunSpec // container id -> spec
	stopped     []string
	removed     []string
	removedVols []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		networks: make(map[string]bool),
		volumes:  make(map[string]bool),
		images:   make(map[string]int64),
		running:  make(map[string]containerdriver.RunSpec),
	}
}

func (f *fakeDriver) EnsureNetwork(_ context.Context, name string) error {
	f.networks[name] = true
	return nil
}

func (f *fakeDriver) EnsureVolume(_ context.Context, name string) (bool, error) {
	existed := f.volumes[name]
	f.volumes[name] = true
	return existed, nil
}

func (f *fakeDriver) VolumeRemove(_ context.Context, name string, _ bool) error {
	delete(f.volumes, name)
	f.removedVols = append(f.removedVols, name)
	return nil
}

func (f *fakeDriver) ImageSize(_ context.Context, ref string) (int64, error) {
	if size, ok := f.images[ref]; ok {
		return size, nil
	}
	return 0, nberr.New(nberr.NotFound, "image not present: "+ref)
}

func (f *fakeDriver) Pull(_ context.Context, ref string, _ string) error {
	f.pulled = append(f.pulled, ref)
	f.images[ref] = 1 << 20
	return nil
}

func (f *fakeDriver) Run(_ context.Context, spec containerdriver.RunSpec) (string, error) {
	id := "ctr_" + spec.Name
	f.running[id] = spec
	return id, nil
}

func (f *fakeDriver) PublishedPort(_ context.Context, _, containerPort, _ string) (string, error) {
	return "4" + containerPort, nil
}

func (f *fakeDriver) Stop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDriver) Remove(_ context.Context, id string, _ bool) error {
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDriver) PsAll(_ context.Context) ([]containerdriver.ManagedContainer, error) {
	out := make([]containerdriver.ManagedContainer, 0, len(f.running))
	for id, spec := range f.running {
		out = append(out, containerdriver.ManagedContainer{
			ID:     id,
			State:  "running",
			Labels: spec.Labels,
		})
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver, *statestore.Store) {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := newFakeDriver()
	cfg := config.ContainerConfig{
		NapcatImage: "napcat-docker",
		Tag:         "latest",
		Network:     "nbot_default",
	}
	return NewManager(store, driver, cfg, t.TempDir()), driver, store
}

func waitForTask(t *testing.T, store *statestore.Store, taskID string) statestore.BackgroundTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := store.GetTask(taskID)
		require.True(t, ok)
		if task.Status == "done" || task.Status == "failed" {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return statestore.BackgroundTask{}
}

func TestCreateOneBotBotProvisionsContainer(t *testing.T) {
	m, driver, store := newTestManager(t)

	botID, taskID, err := m.CreateOneBotBot(context.Background(), "testbot", "owner1")
	require.NoError(t, err)

	task := waitForTask(t, store, taskID)
	require.Equal(t, "done", task.Status)

	require.True(t, driver.networks["nbot_default"])
	require.True(t, driver.volumes["nbot_bot_"+botID])
	require.Contains(t, driver.pulled, "napcat-docker:latest")

	bot, ok := store.GetBot(botID)
	require.True(t, ok)
	require.True(t, bot.IsRunning)
	require.Equal(t, 43001, bot.WsPort)
	require.Equal(t, 46099, bot.WebUIPort)
	require.NotEmpty(t, bot.WebUIToken)

	spec := driver.running[bot.ContainerID]
	require.Equal(t, "napcat", spec.Labels["nbot.kind"])
	require.Equal(t, botID, spec.Labels["nbot.bot_id"])
}

func TestCreateSkipsPullWhenImagePresent(t *testing.T) {
	m, driver, store := newTestManager(t)
	driver.images["napcat-docker:latest"] = 5 << 20

	_, taskID, err := m.CreateOneBotBot(context.Background(), "b", "")
	require.NoError(t, err)
	task := waitForTask(t, store, taskID)
	require.Equal(t, "done", task.Status)
	require.Empty(t, driver.pulled)
}

func TestDeleteBotTearsDownEverything(t *testing.T) {
	m, driver, store := newTestManager(t)

	botID, taskID, err := m.CreateOneBotBot(context.Background(), "b", "")
	require.NoError(t, err)
	waitForTask(t, store, taskID)

	bot, _ := store.GetBot(botID)
	require.NoError(t, m.DeleteBot(context.Background(), botID))

	require.Contains(t, driver.stopped, bot.ContainerID)
	require.Contains(t, driver.removed, bot.ContainerID)
	require.Contains(t, driver.removedVols, "nbot_bot_"+botID)
	_, ok := store.GetBot(botID)
	require.False(t, ok)
}

func TestReconcileMarksVanishedBotsNotRunning(t *testing.T) {
	m, driver, store := newTestManager(t)

	botID, taskID, err := m.CreateOneBotBot(context.Background(), "b", "")
	require.NoError(t, err)
	waitForTask(t, store, taskID)

	bot, _ := store.GetBot(botID)
	delete(driver.running, bot.ContainerID)

	require.NoError(t, m.ReconcileContainers(context.Background()))
	bot, _ = store.GetBot(botID)
	require.False(t, bot.IsRunning)
}

func TestCreateDatabaseMapsFixedInternalPort(t *testing.T) {
	m, driver, store := newTestManager(t)

	db, err := m.CreateDatabase(context.Background(), "postgres")
	require.NoError(t, err)
	require.Equal(t, "45432", db.HostPort)
	require.NotEmpty(t, db.Password)

	spec := driver.running[db.ContainerID]
	require.Equal(t, "database", spec.Labels["nbot.kind"])
	require.Contains(t, spec.Env, "POSTGRES_PASSWORD="+db.Password)

	stored, ok := store.GetDatabase(db.ID)
	require.True(t, ok)
	require.Equal(t, db.HostPort, stored.HostPort)
}

func TestCreateDatabaseRejectsUnknownKind(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateDatabase(context.Background(), "mongodb")
	require.Error(t, err)
}

func TestImageRefResolution(t *testing.T) {
	cases := []struct {
		cfg  config.ContainerConfig
		want string
	}{
		{config.ContainerConfig{NapcatImage: "napcat", Tag: "latest"}, "napcat:latest"},
		{config.ContainerConfig{NapcatImage: "napcat", Tag: "v1", DockerHubNamespace: "mlikiowa"}, "mlikiowa/napcat:v1"},
		{config.ContainerConfig{NapcatImage: "napcat", Registry: "ghcr.io/org", Tag: "latest"}, "ghcr.io/org/napcat:latest"},
		{config.ContainerConfig{NapcatImage: "napcat:pinned", Tag: "latest"}, "napcat:pinned"},
	}
	for _, tc := range cases {
		m := &Manager{cfg: tc.cfg}
		require.Equal(t, tc.want, m.imageRef())
	}
}
