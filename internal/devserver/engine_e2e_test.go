package devserver

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/ratelimit"
	"github.com/wolfman30/chat-session-engine/internal/session"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/internal/transport"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

func startEngine(t *testing.T, env *testEnv) *session.Engine {
	t.Helper()
	token, hash, err := env.tokens.Issue(testChannel, "cli-42")
	require.NoError(t, err)
	ws := transport.NewWSClient(transport.WSConfig{
		URL:       "ws" + strings.TrimPrefix(env.http.URL, "http") + "/socket",
		ClientKey: testChannel,
		Logger:    logging.Discard(),
	})
	eng := session.New(session.Config{
		ClientKey:   testChannel,
		RoutingCode: "DETAL001",
		RoomToken:   token,
		RoomHash:    hash,
	}, session.Deps{
		Backend:   env.client,
		Transport: ws,
		Store:     storage.NewMemoryStore(),
		Ratings:   env.client,
		Limiter:   ratelimit.New(ratelimit.DefaultConfig(), logging.Discard()),
		Links:     env.client,
		Logger:    logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})
	return eng
}

func waitSnapshot(t *testing.T, eng *session.Engine, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	var last session.Snapshot
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := eng.Snapshot(ctx)
		if err != nil {
			return false
		}
		last = s
		return cond(s)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func findEntry(entries []conversation.Message, match func(conversation.Message) bool) (conversation.Message, bool) {
	for _, m := range entries {
		if match(m) {
			return m, true
		}
	}
	return conversation.Message{}, false
}

func TestEngineConversationAgainstDevServer(t *testing.T) {
	env := newTestEnv(t)
	eng := startEngine(t, env)
	ctx := context.Background()

	s := waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.State == session.StateActive && s.Ready })
	assert.Equal(t, "cli-42", s.UserID)
	protocol := s.Protocol

	_, err := eng.SendText(ctx, "menu")
	require.NoError(t, err)
	s = waitSnapshot(t, eng, func(s session.Snapshot) bool {
		_, ok := findEntry(s.Entries, func(m conversation.Message) bool { return m.Kind == conversation.KindButtonMenu })
		return ok
	})
	menu, _ := findEntry(s.Entries, func(m conversation.Message) bool { return m.Kind == conversation.KindButtonMenu })
	require.NotNil(t, menu.Payload.Menu)
	sent, _ := findEntry(s.Entries, func(m conversation.Message) bool { return m.Kind == conversation.KindUserText })
	assert.Equal(t, conversation.StatusAccepted, sent.Status)

	_, err = eng.SelectOption(ctx, menu.ID, "1")
	require.NoError(t, err)
	waitSnapshot(t, eng, func(s session.Snapshot) bool {
		_, ok := findEntry(s.Entries, func(m conversation.Message) bool {
			return m.Kind == conversation.KindAIText && m.Payload.Text == "Recebi sua mensagem: Segunda via"
		})
		return ok
	})

	stored, err := env.registry.Get(protocol)
	require.NoError(t, err)
	assert.Len(t, stored.History, 3, "menu request, option and the bot answer")
}

func TestEngineUploadAndDownloadAgainstDevServer(t *testing.T) {
	env := newTestEnv(t)
	eng := startEngine(t, env)
	waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.Ready })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Upload(ctx, upload.File{
		Name:     "recibo.pdf",
		MimeType: "application/pdf",
		Size:     int64(len("%PDF-1.4")),
		Body:     strings.NewReader("%PDF-1.4"),
	}, conversation.MediaDocument)
	require.NoError(t, err)
	require.NotNil(t, res.Attachment)

	data, err := eng.Download(ctx, res.Attachment.Key)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	waitSnapshot(t, eng, func(s session.Snapshot) bool {
		_, ok := findEntry(s.Entries, func(m conversation.Message) bool { return m.Payload.Text == attachmentReply })
		return ok
	})
}

func TestEngineFollowsOperatorLifecycle(t *testing.T) {
	env := newTestEnv(t)
	eng := startEngine(t, env)
	ctx := context.Background()
	s := waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.Ready })
	protocol := s.Protocol

	resp := env.operator(t, http.MethodPost, "/operator/sessions/"+protocol+"/queue", map[string]int{"posicao": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.QueuePosition == 2 })

	resp = env.operator(t, http.MethodPost, "/operator/sessions/"+protocol+"/start", map[string]string{"atendenteId": "55"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.Handoff && s.AgentID == "55" })

	resp = env.operator(t, http.MethodPost, "/operator/sessions/"+protocol+"/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitSnapshot(t, eng, func(s session.Snapshot) bool {
		return s.State == session.StateEnded && s.Survey == session.SurveyDemand
	})

	require.NoError(t, eng.SubmitDemand(ctx, true))
	res, err := eng.SubmitStars(ctx, 4)
	require.NoError(t, err)
	assert.False(t, res.Errors)

	ratings, err := env.ratings.SessionRatings(ctx, protocol)
	require.NoError(t, err)
	require.Len(t, ratings, 2)
	assert.Equal(t, "S", ratings[0].Demand)
	assert.Equal(t, 4, ratings[1].Stars)
}

func TestEngineReconnectsAfterServerDrop(t *testing.T) {
	env := newTestEnv(t)
	eng := startEngine(t, env)
	s := waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.Ready })

	require.True(t, env.server.Hub().Drop(s.Protocol))
	waitSnapshot(t, eng, func(s session.Snapshot) bool { return !s.Ready })
	require.Eventually(t, func() bool { return env.server.Hub().Connected(s.Protocol) }, 5*time.Second, 20*time.Millisecond)
	waitSnapshot(t, eng, func(s session.Snapshot) bool { return s.Ready })
}
