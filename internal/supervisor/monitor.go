package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nbot/orchestrator/internal/napcat"
	"github.com/nbot/orchestrator/internal/statestore"
)

const monitorTick = 5 * time.Second

// Monitor polls each OneBot side-car's WebUI for its QQ login state and
// reconciles BotInstance.IsConnected, the observed-state half of the
// desired/observed split the supervisors act on. A bot whose side-car says
// isLogin=false gets IsConnected flipped off, which makes the OneBot
// supervisor drop its WebSocket worker on the next reconcile tick.
type Monitor struct {
	store      *statestore.Store
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*napcat.Client // bot id -> cached authenticated client
}

// NewMonitor creates a Monitor over store.
func NewMonitor(store *statestore.Store) *Monitor {
	return &Monitor{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clients:    make(map[string]*napcat.Client),
	}
}

// Run polls every monitorTick until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	for _, bot := range m.store.ListBots("") {
		if bot.Platform != "onebot" || !bot.IsRunning || bot.WebUIPort == 0 {
			continue
		}
		m.pollOne(ctx, bot)
	}
}

func (m *Monitor) pollOne(ctx context.Context, bot statestore.BotInstance) {
	client := m.clientFor(bot)

	status, err := client.CheckLoginStatus(ctx)
	if err != nil {
		slog.Debug("webui status check failed", "bot_id", bot.ID, "error", err)
		return
	}
	if status.IsLogin == bot.IsConnected {
		return
	}
	if err := m.store.UpdateBot(bot.ID, func(b *statestore.BotInstance) error {
		b.IsConnected = status.IsLogin
		return nil
	}); err != nil {
		slog.Warn("persist login state", "bot_id", bot.ID, "error", err)
	}
	if !status.IsLogin && status.QRCodeURL != "" {
		slog.Info("bot awaiting QR login", "bot_id", bot.ID, "qrcode_url", status.QRCodeURL)
	}
}

func (m *Monitor) clientFor(bot statestore.BotInstance) *napcat.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[bot.ID]; ok {
		return c
	}
	host := bot.WebUIHost
	if host == "" {
		host = "127.0.0.1"
	}
	c := napcat.New(fmt.Sprintf("http://%s:%d", host, bot.WebUIPort), bot.WebUIToken, m.httpClient)
	m.clients[bot.ID] = c
	return c
}
