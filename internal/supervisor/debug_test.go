package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestDebugUnregister(t *testing.T) {
	srv := fakeOneBotServer(t, "")

	runtime, _, cancel := startConnection(t, srv)
	defer cancel()

	srv.Close()
	time.Sleep(3 * time.Second)
	_, ok := runtime.Get("bot1")
	t.Logf("still registered: %v", ok)
	_ = context.Background
}
