package outbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot/orchestrator/internal/botruntime"
	"github.com/nbot/orchestrator/internal/bus"
)

type recordedPost struct {
	contentType string
	payloadJSON string
	attachments int
}

func newDiscordTestServer(t *testing.T, posts *[]recordedPost) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		rec := recordedPost{contentType: r.Header.Get("Content-Type")}
		if strings.HasPrefix(rec.contentType, "multipart/form-data") {
			require.NoError(t, r.ParseMultipartForm(32<<20))
			rec.payloadJSON = r.MultipartForm.Value["payload_json"][0]
			for name := range r.MultipartForm.File {
				if strings.HasPrefix(name, "files[") {
					rec.attachments++
				}
			}
		} else {
			var body struct {
				Content string `json:"content"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			rec.payloadJSON = body.Content
		}
		*posts = append(*posts, rec)
		fmt.Fprint(w, `{"id":"999"}`)
	}))
}

func newTestMaterializer(baseURL string) *Materializer {
	m := New(botruntime.New(), func(string) string { return "tok" })
	m.SetDiscordBaseURL(baseURL)
	return m
}

func TestDiscordChunkingWithAttachments(t *testing.T) {
	var posts []recordedPost
	srv := newDiscordTestServer(t, &posts)
	defer srv.Close()

	img := base64.StdEncoding.EncodeToString([]byte("fake-png"))
	text := strings.Repeat("a", 3500)
	for i := 0; i < 3; i++ {
		text += "[CQ:image,file=base64://" + img + "]"
	}

	m := newTestMaterializer(srv.URL)
	err := m.SendReply(context.Background(), SendReplyRequest{
		BotID:    "b1",
		Platform: bus.PlatformDiscord,
		Peer:     bus.PeerGroup,
		GroupID:  "chan1",
		Discord:  DiscordTarget{ChannelID: "chan1"},
		Text:     text,
	}, nil)
	require.NoError(t, err)

	require.Len(t, posts, 2)
	require.True(t, strings.HasPrefix(posts[0].contentType, "multipart/form-data"))
	require.Equal(t, 3, posts[0].attachments)
	require.True(t, strings.HasPrefix(posts[1].contentType, "application/json"))
	require.Len(t, posts[1].payloadJSON, 1500)
}

func TestDiscordRetryAfterHonored(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after":0.01}`)
			return
		}
		fmt.Fprint(w, `{"id":"1"}`)
	}))
	defer srv.Close()

	m := newTestMaterializer(srv.URL)
	err := m.SendReply(context.Background(), SendReplyRequest{
		BotID: "b1", Platform: bus.PlatformDiscord, Peer: bus.PeerGroup,
		GroupID: "c", Discord: DiscordTarget{ChannelID: "c"}, Text: "hi",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestDiscordPermissionErrorWritesMutedCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":50013}`)
	}))
	defer srv.Close()

	runtime := botruntime.New()
	m := New(runtime, func(string) string { return "tok" })
	m.SetDiscordBaseURL(srv.URL)

	err := m.SendReply(context.Background(), SendReplyRequest{
		BotID: "b1", Platform: bus.PlatformDiscord, Peer: bus.PeerGroup,
		GroupID: "chan9", Discord: DiscordTarget{ChannelID: "chan9"}, Text: "hello",
	}, nil)
	require.Error(t, err)

	status, err := runtime.GetGroupSendStatus(context.Background(), "b1", "chan9", false)
	require.NoError(t, err)
	require.Equal(t, botruntime.StatusMuted, status)
}

func TestDedupSuppressesSecondIdenticalSend(t *testing.T) {
	var posts []recordedPost
	srv := newDiscordTestServer(t, &posts)
	defer srv.Close()

	m := newTestMaterializer(srv.URL)
	req := SendReplyRequest{
		BotID: "b1", Platform: bus.PlatformDiscord, Peer: bus.PeerGroup,
		GroupID: "c", Discord: DiscordTarget{ChannelID: "c"}, Text: "same",
	}
	require.NoError(t, m.SendReply(context.Background(), req, nil))
	err := m.SendReply(context.Background(), req, nil)
	require.Error(t, err)
	require.Len(t, posts, 1)
}

func TestDMChannelCreatedForPrivateSend(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/@me/channels"):
			created = true
			fmt.Fprint(w, `{"id":"dm42"}`)
		case strings.Contains(r.URL.Path, "/channels/dm42/messages"):
			fmt.Fprint(w, `{"id":"1"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := newTestMaterializer(srv.URL)
	err := m.SendReply(context.Background(), SendReplyRequest{
		BotID: "b1", Platform: bus.PlatformDiscord, Peer: bus.PeerDirect,
		UserID: "u1", Discord: DiscordTarget{UserID: "u1"}, Text: "hello",
	}, nil)
	require.NoError(t, err)
	require.True(t, created)
}

func TestChunkTextSplitsOnRuneBoundaries(t *testing.T) {
	chunks := chunkText(strings.Repeat("字", 2500), 2000)
	require.Len(t, chunks, 2)
	require.Equal(t, 2000, len([]rune(chunks[0])))
	require.Equal(t, 500, len([]rune(chunks[1])))
}
