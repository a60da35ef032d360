package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/conference"
	"github.com/victortrac/kioskanswer/internal/policy"
)

const wait = 2 * time.Second

// agent is a scripted conferencing agent.
type agent struct {
	mu   sync.Mutex
	list []ConversationInfo

	conns   chan *jsonrpc2.Conn
	actions chan *jsonrpc2.Request
}

func newAgent(t *testing.T, list ...ConversationInfo) (*agent, string) {
	t.Helper()
	a := &agent{
		list:    list,
		conns:   make(chan *jsonrpc2.Conn, 4),
		actions: make(chan *jsonrpc2.Request, 64),
	}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (a *agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.conns <- jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws), jsonrpc2.HandlerWithError(a.handle))
}

func (a *agent) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method == MethodListConversations {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.list, nil
	}
	a.actions <- req
	return nil, nil
}

func (a *agent) setList(list ...ConversationInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = list
}

func (a *agent) accept(t *testing.T) *jsonrpc2.Conn {
	t.Helper()
	select {
	case conn := <-a.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(wait):
		t.Fatal("client never connected")
		return nil
	}
}

// expect returns the next action with the given method, skipping others.
func (a *agent) expect(t *testing.T, method string, params any) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case req := <-a.actions:
			if req.Method != method {
				continue
			}
			if params != nil {
				require.NotNil(t, req.Params)
				require.NoError(t, json.Unmarshal(*req.Params, params))
			}
			return
		case <-deadline:
			t.Fatalf("agent never received %s", method)
		}
	}
}

func (a *agent) expectNone(t *testing.T) {
	t.Helper()
	select {
	case req := <-a.actions:
		t.Fatalf("unexpected action %s", req.Method)
	case <-time.After(50 * time.Millisecond):
	}
}

func notify(t *testing.T, conn *jsonrpc2.Conn, method string, params any) {
	t.Helper()
	require.NoError(t, conn.Notify(context.Background(), method, params))
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	return New(Config{
		URL:          url,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		Logger:       logger,
		Registerer:   prometheus.NewRegistry(),
	})
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(wait):
			t.Error("Run did not return after cancel")
		}
	})
}

func ringing(id string) ConversationInfo {
	return ConversationInfo{
		ID:           id,
		Participants: []string{"sip:front-desk@example.com"},
		State:        conference.ConversationActive,
		Modalities: map[conference.ModalityType]ModalityInfo{
			conference.AudioVideo: {
				State:   conference.ModalityNotified,
				Actions: []conference.ModalityAction{conference.ActionConnect},
			},
		},
		Video: &VideoInfo{
			State:   conference.ChannelNone,
			Actions: []conference.ChannelAction{conference.ChannelStart},
		},
	}
}

func addedChan(c *Client) <-chan conference.Conversation {
	ch := make(chan conference.Conversation, 8)
	c.OnConversationAdded(func(conv conference.Conversation) { ch <- conv })
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for notification")
		var zero T
		return zero
	}
}

func TestUnavailableBeforeConnect(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/bridge")

	assert.False(t, c.Connected())
	_, err := c.Conversations()
	assert.ErrorIs(t, err, conference.ErrClientUnavailable)

	_, err = c.ConversationWindow(newConversation(c, ringing("conv-1")))
	assert.ErrorIs(t, err, conference.ErrWindowUnavailable)
	assert.ErrorIs(t, err, conference.ErrClientUnavailable)
}

func TestConnectAnnouncesListedConversations(t *testing.T) {
	a, url := newAgent(t, ringing("conv-1"))
	c := newClient(t, url)
	added := addedChan(c)
	run(t, c)
	a.accept(t)

	conv := recv(t, added)
	assert.True(t, c.Connected())
	assert.Equal(t, "conv-1", conv.ID())
	assert.Equal(t, []string{"sip:front-desk@example.com"}, conv.Participants())
	assert.Equal(t, conference.ConversationActive, conv.State())

	m, err := conv.Modality(conference.AudioVideo)
	require.NoError(t, err)
	assert.Equal(t, conference.ModalityNotified, m.State())
	assert.True(t, m.CanInvoke(conference.ActionConnect))
	assert.False(t, m.CanInvoke(conference.ActionDisconnect))

	av, ok := m.(conference.AudioVideoModality)
	require.True(t, ok)
	video, err := av.VideoChannel()
	require.NoError(t, err)
	assert.Equal(t, conference.ChannelNone, video.State())
	assert.True(t, video.CanInvoke(conference.ChannelStart))

	sharing, err := conv.Modality(conference.ApplicationSharing)
	require.NoError(t, err, "sharing exists before the agent reports it")
	assert.Equal(t, conference.ModalityIdle, sharing.State())
	assert.False(t, sharing.CanInvoke(conference.ActionAccept))

	convs, err := c.Conversations()
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestNotificationsUpdateMirror(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)
	added := addedChan(c)
	run(t, c)
	conn := a.accept(t)
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	info := ringing("conv-7")
	info.Modalities[conference.AudioVideo] = ModalityInfo{State: conference.ModalityIdle}
	notify(t, conn, MethodConversationAdded, ConversationAddedParams{Conversation: info})
	conv := recv(t, added)

	m, err := conv.Modality(conference.AudioVideo)
	require.NoError(t, err)
	changes := make(chan conference.StateChange, 4)
	m.OnStateChanged(func(ch conference.StateChange) { changes <- ch })
	states := make(chan conference.ConversationState, 4)
	conv.OnStateChanged(func(s conference.ConversationState) { states <- s })

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-7",
		Modality:       conference.AudioVideo,
		State:          conference.ModalityNotified,
		Actions:        []conference.ModalityAction{conference.ActionConnect},
	})
	assert.Equal(t, conference.StateChange{Old: conference.ModalityIdle, New: conference.ModalityNotified}, recv(t, changes))
	assert.True(t, m.CanInvoke(conference.ActionConnect))

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-7",
		Modality:       conference.ApplicationSharing,
		State:          conference.ModalityNotified,
		Actions:        []conference.ModalityAction{conference.ActionAccept},
	})
	notify(t, conn, MethodVideoStateChanged, VideoStateParams{
		ConversationID: "conv-7",
		State:          conference.ChannelSendReceive,
		Actions:        []conference.ChannelAction{conference.ChannelStop},
	})
	notify(t, conn, MethodConversationStateChanged, ConversationStateParams{
		ConversationID: "conv-7",
		State:          conference.ConversationTerminated,
	})
	assert.Equal(t, conference.ConversationTerminated, recv(t, states))

	sharing, err := conv.Modality(conference.ApplicationSharing)
	require.NoError(t, err)
	assert.Equal(t, conference.ModalityNotified, sharing.State())
	video, err := m.(conference.AudioVideoModality).VideoChannel()
	require.NoError(t, err)
	assert.Equal(t, conference.ChannelSendReceive, video.State())
	assert.False(t, video.CanInvoke(conference.ChannelStart))

	convs, err := c.Conversations()
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestActionsAreSentToAgent(t *testing.T) {
	a, url := newAgent(t, ringing("conv-1"))
	c := newClient(t, url)
	added := addedChan(c)
	run(t, c)
	a.accept(t)
	conv := recv(t, added)

	m, err := conv.Modality(conference.AudioVideo)
	require.NoError(t, err)
	require.NoError(t, m.Accept())
	var accept ModalityAcceptParams
	a.expect(t, MethodModalityAccept, &accept)
	assert.Equal(t, ModalityAcceptParams{ConversationID: "conv-1", Modality: conference.AudioVideo}, accept)

	video, err := m.(conference.AudioVideoModality).VideoChannel()
	require.NoError(t, err)
	require.NoError(t, video.BeginStart())
	var start VideoStartParams
	a.expect(t, MethodVideoStart, &start)
	assert.Equal(t, "conv-1", start.ConversationID)

	win, err := c.ConversationWindow(conv)
	require.NoError(t, err)
	require.NoError(t, win.ShowFullScreen(1))
	var full ShowFullScreenParams
	a.expect(t, MethodShowFullScreen, &full)
	assert.Equal(t, ShowFullScreenParams{ConversationID: "conv-1", Monitor: 1}, full)
}

func TestActionsNotPermittedFailLocally(t *testing.T) {
	info := ringing("conv-1")
	info.Modalities[conference.AudioVideo] = ModalityInfo{State: conference.ModalityConnecting}
	info.Video.Actions = nil
	a, url := newAgent(t, info)
	c := newClient(t, url)
	added := addedChan(c)
	run(t, c)
	a.accept(t)
	conv := recv(t, added)

	m, err := conv.Modality(conference.AudioVideo)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Accept(), conference.ErrNotSupported)
	video, err := m.(conference.AudioVideoModality).VideoChannel()
	require.NoError(t, err)
	assert.ErrorIs(t, video.BeginStart(), conference.ErrNotSupported)

	_, err = c.ConversationWindow(newConversation(c, ringing("unknown")))
	assert.ErrorIs(t, err, conference.ErrWindowUnavailable)
	a.expectNone(t)
}

func TestReconnectReconcilesConversations(t *testing.T) {
	a, url := newAgent(t, ringing("conv-1"))
	c := newClient(t, url)
	added := addedChan(c)
	run(t, c)
	first := a.accept(t)

	conv1 := recv(t, added)
	states := make(chan conference.ConversationState, 4)
	conv1.OnStateChanged(func(s conference.ConversationState) { states <- s })

	a.setList(ringing("conv-2"))
	require.NoError(t, first.Close())
	a.accept(t)

	assert.Equal(t, conference.ConversationTerminated, recv(t, states))
	assert.Equal(t, "conv-2", recv(t, added).ID())
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	convs, err := c.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "conv-2", convs[0].ID())
}

func TestUnknownMethodRejected(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)
	run(t, c)
	conn := a.accept(t)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	err := conn.Call(ctx, "conversation.exploded", map[string]string{}, nil)

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	err = conn.Call(ctx, MethodConversationAdded, nil, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestWatcherAnswersThroughBridge(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)

	logger, _ := logtest.NewNullLogger()
	w := answer.NewWatcher(c, c, policy.NewStore(policy.Defaults()), answer.Config{
		Video: answer.VideoConfig{
			Attempts:     2,
			Interval:     5 * time.Millisecond,
			ReadyPoll:    time.Millisecond,
			ReadyTimeout: 200 * time.Millisecond,
		},
		Logger:  logger,
		Metrics: answer.NewMetrics(prometheus.NewRegistry()),
	})
	w.Start()
	t.Cleanup(w.Stop)

	run(t, c)
	conn := a.accept(t)
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	info := ringing("conv-9")
	info.Modalities[conference.AudioVideo] = ModalityInfo{State: conference.ModalityIdle}
	notify(t, conn, MethodConversationAdded, ConversationAddedParams{Conversation: info})
	require.Eventually(t, func() bool { return len(w.Attached()) == 1 }, wait, 5*time.Millisecond)

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-9",
		Modality:       conference.AudioVideo,
		State:          conference.ModalityNotified,
		Actions:        []conference.ModalityAction{conference.ActionConnect},
	})
	var accept ModalityAcceptParams
	a.expect(t, MethodModalityAccept, &accept)
	assert.Equal(t, conference.AudioVideo, accept.Modality)
	var full ShowFullScreenParams
	a.expect(t, MethodShowFullScreen, &full)
	assert.Equal(t, "conv-9", full.ConversationID)

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-9",
		Modality:       conference.AudioVideo,
		State:          conference.ModalityConnected,
		Actions:        []conference.ModalityAction{conference.ActionDisconnect},
	})
	var start VideoStartParams
	a.expect(t, MethodVideoStart, &start)
	assert.Equal(t, "conv-9", start.ConversationID)

	notify(t, conn, MethodConversationStateChanged, ConversationStateParams{
		ConversationID: "conv-9",
		State:          conference.ConversationTerminated,
	})
	require.Eventually(t, func() bool { return len(w.Attached()) == 0 }, wait, 5*time.Millisecond)
}

func TestWatcherAcceptsSharingReportedAfterAdd(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)

	logger, _ := logtest.NewNullLogger()
	w := answer.NewWatcher(c, c, policy.NewStore(policy.Defaults()), answer.Config{
		Logger:  logger,
		Metrics: answer.NewMetrics(prometheus.NewRegistry()),
	})
	w.Start()
	t.Cleanup(w.Stop)

	run(t, c)
	conn := a.accept(t)
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	// Only audio/video is known when the conversation is added.
	info := ConversationInfo{
		ID:    "conv-3",
		State: conference.ConversationActive,
		Modalities: map[conference.ModalityType]ModalityInfo{
			conference.AudioVideo: {State: conference.ModalityConnected},
		},
	}
	notify(t, conn, MethodConversationAdded, ConversationAddedParams{Conversation: info})
	require.Eventually(t, func() bool { return len(w.Attached()) == 1 }, wait, 5*time.Millisecond)

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-3",
		Modality:       conference.ApplicationSharing,
		State:          conference.ModalityNotified,
		Actions:        []conference.ModalityAction{conference.ActionAccept},
	})
	var accept ModalityAcceptParams
	a.expect(t, MethodModalityAccept, &accept)
	assert.Equal(t, "conv-3", accept.ConversationID)
	assert.Equal(t, conference.ApplicationSharing, accept.Modality)
}

func TestWatcherAnswersAudioVideoReportedAfterAdd(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)

	logger, _ := logtest.NewNullLogger()
	w := answer.NewWatcher(c, c, policy.NewStore(policy.Defaults()), answer.Config{
		Logger:  logger,
		Metrics: answer.NewMetrics(prometheus.NewRegistry()),
	})
	w.Start()
	t.Cleanup(w.Stop)

	run(t, c)
	conn := a.accept(t)
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	notify(t, conn, MethodConversationAdded, ConversationAddedParams{
		Conversation: ConversationInfo{ID: "conv-4", State: conference.ConversationActive},
	})
	require.Eventually(t, func() bool { return len(w.Attached()) == 1 }, wait, 5*time.Millisecond)

	notify(t, conn, MethodModalityStateChanged, ModalityStateParams{
		ConversationID: "conv-4",
		Modality:       conference.AudioVideo,
		State:          conference.ModalityNotified,
		Actions:        []conference.ModalityAction{conference.ActionConnect},
	})
	var accept ModalityAcceptParams
	a.expect(t, MethodModalityAccept, &accept)
	assert.Equal(t, conference.AudioVideo, accept.Modality)
	a.expect(t, MethodShowFullScreen, nil)
}

func TestTerminatedConversationIsNotKept(t *testing.T) {
	a, url := newAgent(t)
	c := newClient(t, url)

	logger, _ := logtest.NewNullLogger()
	w := answer.NewWatcher(c, c, policy.NewStore(policy.Defaults()), answer.Config{
		Logger:  logger,
		Metrics: answer.NewMetrics(prometheus.NewRegistry()),
	})
	w.Start()
	t.Cleanup(w.Stop)
	added := addedChan(c)

	run(t, c)
	conn := a.accept(t)
	require.Eventually(t, c.Connected, wait, 5*time.Millisecond)

	info := ringing("conv-5")
	info.State = conference.ConversationTerminated
	notify(t, conn, MethodConversationAdded, ConversationAddedParams{Conversation: info})
	assert.Equal(t, "conv-5", recv(t, added).ID())

	convs, err := c.Conversations()
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, w.Attached())
	a.expectNone(t)
}
