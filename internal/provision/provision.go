// Package provision owns the container-backed bot lifecycle: creating a
// OneBot side-car (network/volume ensure, image pull with background-task
// progress, run with management labels, published-port discovery), database
// containers, and the teardown path that stops and removes everything a
// deleted bot left behind.
// All container operations funnel through containerdriver so the fallible
// surface stays in one place.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nbot/orchestrator/internal/config"
	"github.com/nbot/orchestrator/internal/containerdriver"
	"github.com/nbot/orchestrator/internal/nberr"
	"github.com/nbot/orchestrator/internal/statestore"
)

const (
	// Internal ports every OneBot side-car exposes.
	onebotWsPort    = "3001"
	onebotWebUIPort = "6099"

	labelKind  = "nbot.kind"
	labelBotID = "nbot.bot_id"
)

// Driver is the subset of containerdriver the Manager needs; narrowed to
// an interface so provisioning flows are testable without a Docker daemon.
type Driver interface {
	EnsureNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) (existed bool, err error)
	VolumeRemove(ctx context.Context, name string, force bool) error
	ImageSize(ctx context.Context, ref string) (int64, error)
	Pull(ctx context.Context, ref string, registryAuth string) error
	Run(ctx context.Context, spec containerdriver.RunSpec) (string, error)
	PublishedPort(ctx context.Context, containerID, containerPort, proto string) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, removeVolumes bool) error
	PsAll(ctx context.Context) ([]containerdriver.ManagedContainer, error)
}

// Manager provisions and tears down bot side-cars and database containers.
type Manager struct {
	store  *statestore.Store
	driver Driver
	cfg    config.ContainerConfig
	dataDir string
}

// NewManager creates a Manager bound to the store and driver.
func NewManager(store *statestore.Store, driver Driver, cfg config.ContainerConfig, dataDir string) *Manager {
	return &Manager{store: store, driver: driver, cfg: cfg, dataDir: dataDir}
}

// imageRef resolves the napcat image reference from config: an explicit
// registry wins, then a Docker Hub namespace, then the bare image name;
// the configured tag replaces a missing one.
func (m *Manager) imageRef() string {
	ref := m.cfg.NapcatImage
	if m.cfg.Registry != "" {
		ref = strings.TrimSuffix(m.cfg.Registry, "/") + "/" + ref
	} else if m.cfg.DockerHubNamespace != "" && !strings.Contains(ref, "/") {
		ref = m.cfg.DockerHubNamespace + "/" + ref
	}
	if !strings.Contains(ref[strings.LastIndex(ref, "/")+1:], ":") && m.cfg.Tag != "" {
		ref += ":" + m.cfg.Tag
	}
	return ref
}

func botVolumeName(botID string) string  { return "nbot_bot_" + botID }
func botContainerName(botID string) string { return "nbot_napcat_" + botID }

func newWebUIToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// CreateOneBotBot registers a new OneBot bot and kicks off its container
// provisioning as a background task; the returned task id can be polled
// via statestore.GetTask while the image pull is in flight.
func (m *Manager) CreateOneBotBot(ctx context.Context, name, ownerID string) (string, string, error) {
	bot := &statestore.BotInstance{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Platform:    "onebot",
		DisplayName: name,
	}
	if err := m.store.PutBot(bot); err != nil {
		return "", "", err
	}

	task := &statestore.BackgroundTask{
		ID:     uuid.NewString(),
		Kind:   "bot_create",
		Status: "running",
	}
	m.store.PutTask(task)

	go m.provisionOneBot(context.WithoutCancel(ctx), bot.ID, task.ID)
	return bot.ID, task.ID, nil
}

func (m *Manager) taskProgress(taskID, message string) {
	if t, ok := m.store.GetTask(taskID); ok {
		t.Message = message
		m.store.PutTask(&t)
	}
}

func (m *Manager) taskDone(taskID, status, message string) {
	if t, ok := m.store.GetTask(taskID); ok {
		t.Status = status
		t.Message = message
		m.store.PutTask(&t)
	}
}

func (m *Manager) provisionOneBot(ctx context.Context, botID, taskID string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if err := m.provisionOneBotSteps(ctx, botID, taskID); err != nil {
		slog.Error("bot provisioning failed", "bot_id", botID, "error", err)
		m.taskDone(taskID, "failed", err.Error())
		return
	}
	m.taskDone(taskID, "done", "bot container running")
}

func (m *Manager) provisionOneBotSteps(ctx context.Context, botID, taskID string) error {
	network := m.cfg.Network
	if network == "" {
		network = "nbot_default"
	}

	m.taskProgress(taskID, "ensuring network and volume")
	if err := m.driver.EnsureNetwork(ctx, network); err != nil {
		return err
	}
	if existed, err := m.driver.EnsureVolume(ctx, botVolumeName(botID)); err != nil {
		return err
	} else if existed {
		slog.Info("reusing existing bot volume", "bot_id", botID)
	}

	ref := m.imageRef()
	if _, err := m.driver.ImageSize(ctx, ref); err != nil {
		if kind, ok := nberr.KindOf(err); !ok || kind != nberr.NotFound {
			return err
		}
		m.taskProgress(taskID, "pulling image "+ref)
		if err := m.driver.Pull(ctx, ref, ""); err != nil {
			if kind, ok := nberr.KindOf(err); ok && kind == nberr.AuthFailure {
				host := registryHost(ref)
				return nberr.Wrap(nberr.AuthFailure,
					fmt.Sprintf("registry %s rejected credentials; run docker login %s and retry", host, host), err)
			}
			return err
		}
	}

	webuiToken := newWebUIToken()

	m.taskProgress(taskID, "starting container")
	containerID, err := m.driver.Run(ctx, containerdriver.RunSpec{
		Image: ref,
		Name:  botContainerName(botID),
		Env: []string{
			"WEBUI_TOKEN=" + webuiToken,
			"NAPCAT_UID=0",
			"NAPCAT_GID=0",
		},
		Binds:       []string{botVolumeName(botID) + ":/app/napcat/config"},
		NetworkName: network,
		Labels: map[string]string{
			labelKind:  "napcat",
			labelBotID: botID,
		},
		PortBinds: map[string]string{
			onebotWsPort + "/tcp":    "",
			onebotWebUIPort + "/tcp": "",
		},
	})
	if err != nil {
		return err
	}

	wsPort, err := m.driver.PublishedPort(ctx, containerID, onebotWsPort, "tcp")
	if err != nil {
		return err
	}
	webuiPort, err := m.driver.PublishedPort(ctx, containerID, onebotWebUIPort, "tcp")
	if err != nil {
		return err
	}
	wsPortN, _ := strconv.Atoi(wsPort)
	webuiPortN, _ := strconv.Atoi(webuiPort)

	return m.store.UpdateBot(botID, func(b *statestore.BotInstance) error {
		b.ContainerID = containerID
		b.ContainerName = botContainerName(botID)
		b.WsHost = "127.0.0.1"
		b.WsPort = wsPortN
		b.WebUIHost = "127.0.0.1"
		b.WebUIPort = webuiPortN
		b.WebUIToken = webuiToken
		b.IsRunning = true
		return nil
	})
}

func registryHost(ref string) string {
	first := ref
	if i := strings.Index(ref, "/"); i > 0 {
		first = ref[:i]
	}
	if strings.ContainsAny(first, ".:") {
		return first
	}
	return "docker.io"
}

// DeleteBot tears a bot down completely: stop and remove its container,
// remove its volume, delete its scoped data directory, and finally drop
// the record.
func (m *Manager) DeleteBot(ctx context.Context, botID string) error {
	bot, ok := m.store.GetBot(botID)
	if !ok {
		return nberr.New(nberr.NotFound, "unknown bot: "+botID)
	}

	if bot.ContainerID != "" {
		if err := m.driver.Stop(ctx, bot.ContainerID); err != nil {
			slog.Warn("stop container during delete", "bot_id", botID, "error", err)
		}
		if err := m.driver.Remove(ctx, bot.ContainerID, false); err != nil {
			slog.Warn("remove container during delete", "bot_id", botID, "error", err)
		}
	}
	if bot.Platform == "onebot" {
		if err := m.driver.VolumeRemove(ctx, botVolumeName(botID), true); err != nil {
			slog.Warn("remove volume during delete", "bot_id", botID, "error", err)
		}
	}

	if m.dataDir != "" {
		botDir := filepath.Join(m.dataDir, "bots", botID)
		if err := os.RemoveAll(botDir); err != nil {
			slog.Warn("remove bot data dir", "bot_id", botID, "error", err)
		}
	}

	return m.store.DeleteBot(botID)
}

// StopBot flips a bot's desired state off and stops its container.
func (m *Manager) StopBot(ctx context.Context, botID string) error {
	bot, ok := m.store.GetBot(botID)
	if !ok {
		return nberr.New(nberr.NotFound, "unknown bot: "+botID)
	}
	if bot.ContainerID != "" {
		if err := m.driver.Stop(ctx, bot.ContainerID); err != nil {
			return err
		}
	}
	return m.store.UpdateBot(botID, func(b *statestore.BotInstance) error {
		b.IsRunning = false
		b.IsConnected = false
		return nil
	})
}

// databaseInternalPorts maps a database kind to the fixed internal port
// its image listens on.
var databaseInternalPorts = map[string]string{
	"postgres": "5432",
	"redis":    "6379",
	"mysql":    "3306",
}

var databaseImages = map[string]string{
	"postgres": "postgres:16-alpine",
	"redis":    "redis:7-alpine",
	"mysql":    "mysql:8",
}

// CreateDatabase provisions a data-service container of the given kind and
// records it, returning the instance with its mapped host port in HostPort.
func (m *Manager) CreateDatabase(ctx context.Context, kind string) (*statestore.DatabaseInstance, error) {
	internalPort, ok := databaseInternalPorts[kind]
	if !ok {
		return nil, nberr.New(nberr.BadRequest, "unsupported database kind: "+kind)
	}
	image := databaseImages[kind]

	network := m.cfg.Network
	if network == "" {
		network = "nbot_default"
	}
	if err := m.driver.EnsureNetwork(ctx, network); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	volumeName := "nbot_db_" + id
	if _, err := m.driver.EnsureVolume(ctx, volumeName); err != nil {
		return nil, err
	}

	if _, err := m.driver.ImageSize(ctx, image); err != nil {
		if kindErr, ok := nberr.KindOf(err); ok && kindErr == nberr.NotFound {
			if err := m.driver.Pull(ctx, image, ""); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	password := newWebUIToken()
	env := databaseEnv(kind, password)

	containerID, err := m.driver.Run(ctx, containerdriver.RunSpec{
		Image:       image,
		Name:        "nbot_db_" + id,
		Env:         env,
		Binds:       []string{volumeName + ":" + databaseDataPath(kind)},
		NetworkName: network,
		Labels: map[string]string{
			labelKind:  "database",
			labelBotID: "",
		},
		PortBinds: map[string]string{internalPort + "/tcp": ""},
	})
	if err != nil {
		return nil, err
	}

	hostPort, err := m.driver.PublishedPort(ctx, containerID, internalPort, "tcp")
	if err != nil {
		return nil, err
	}

	db := &statestore.DatabaseInstance{
		ID:          id,
		Kind:        kind,
		ContainerID: containerID,
		Volume:      volumeName,
		HostPort:    hostPort,
		Password:    password,
	}
	if err := m.store.PutDatabase(db); err != nil {
		return nil, err
	}
	return db, nil
}

func databaseEnv(kind, password string) []string {
	switch kind {
	case "postgres":
		return []string{"POSTGRES_PASSWORD=" + password}
	case "mysql":
		return []string{"MYSQL_ROOT_PASSWORD=" + password}
	default:
		return nil
	}
}

func databaseDataPath(kind string) string {
	switch kind {
	case "postgres":
		return "/var/lib/postgresql/data"
	case "mysql":
		return "/var/lib/mysql"
	default:
		return "/data"
	}
}

// DeleteDatabase stops and removes a database container plus its volume,
// then drops the record.
func (m *Manager) DeleteDatabase(ctx context.Context, id string) error {
	db, ok := m.store.GetDatabase(id)
	if !ok {
		return nberr.New(nberr.NotFound, "unknown database: "+id)
	}
	if db.ContainerID != "" {
		_ = m.driver.Stop(ctx, db.ContainerID)
		if err := m.driver.Remove(ctx, db.ContainerID, false); err != nil {
			slog.Warn("remove database container", "db_id", id, "error", err)
		}
	}
	if db.Volume != "" {
		if err := m.driver.VolumeRemove(ctx, db.Volume, true); err != nil {
			slog.Warn("remove database volume", "db_id", id, "error", err)
		}
	}
	return m.store.DeleteDatabase(id)
}

// ReconcileContainers compares managed containers against bot records:
// bots whose container vanished get IsRunning flipped off so the
// supervisors stop trying to reach them.
func (m *Manager) ReconcileContainers(ctx context.Context) error {
	containers, err := m.driver.PsAll(ctx)
	if err != nil {
		return err
	}

	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if id := c.Labels[labelBotID]; id != "" {
			running[id] = c.State == "running"
		}
	}

	for _, b := range m.store.ListBots("") {
		if b.Platform != "onebot" || b.ContainerID == "" {
			continue
		}
		alive, found := running[b.ID]
		if b.IsRunning && (!found || !alive) {
			if err := m.store.UpdateBot(b.ID, func(bot *statestore.BotInstance) error {
				bot.IsRunning = false
				bot.IsConnected = false
				return nil
			}); err != nil {
				slog.Warn("reconcile bot state", "bot_id", b.ID, "error", err)
			}
		}
	}
	return nil
}
