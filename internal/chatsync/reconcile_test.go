package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/agri-chat/internal/errors"
	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/state"
	"github.com/alexjbarnes/agri-chat/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory serves scripted pages and records what was asked for.
type fakeHistory struct {
	mu       sync.Mutex
	pages    [][]models.ChatMessage
	sessions []models.ChatSession
	err      error
	deleted  []string
	delErr   error

	messageCalls []historyCall
	sessionSince []int64
}

type historyCall struct {
	chatID string
	since  int64
	limit  int
}

func (f *fakeHistory) Sessions(_ context.Context, since int64) ([]models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionSince = append(f.sessionSince, since)
	return f.sessions, f.err
}

func (f *fakeHistory) Messages(_ context.Context, chatID string, since int64, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls = append(f.messageCalls, historyCall{chatID, since, limit})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeHistory) DeleteSession(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, chatID)
	return f.delErr
}

// countingResolver hands out a fixed path and counts calls per ref.
type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingResolver) Resolve(_ context.Context, ref, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[ref]++
	if c.err != nil {
		return "", c.err
	}
	return "/cache/" + ref, nil
}

func (c *countingResolver) Calls(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[ref]
}

func newTestReconciler(t *testing.T, api HistoryAPI, media MediaResolver) (*Reconciler, *state.State, *Bus) {
	t.Helper()
	st := testState(t)
	bus := NewBus()
	t.Cleanup(bus.Close)
	return NewReconciler(st, api, media, bus, 50, testLogger()), st, bus
}

func textMsg(id, chatID string, ts int64, text string) models.ChatMessage {
	return models.ChatMessage{
		ID:        id,
		ChatID:    chatID,
		Timestamp: ts,
		Role:      models.RoleAssistant,
		Parts:     []models.Part{{Text: text}},
	}
}

func ids(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// --- merge ---

func TestAbsorb_LastWriteWinsByID(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 10, "a")))

	err := r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "m1", Timestamp: 10,
			Role: models.RoleAssistant, Parts: []models.Part{{Text: "b"}},
		},
	})
	require.NoError(t, err)

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "b", msgs[0].Parts[0].Text)
}

func TestAbsorb_Idempotent(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	msg := chatMsg("c1", "m1")

	require.NoError(t, r.Absorb(context.Background(), msg))
	require.NoError(t, r.Absorb(context.Background(), msg))

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAbsorb_RejectsMessageWithoutID(t *testing.T) {
	r, _, _ := newTestReconciler(t, &fakeHistory{}, nil)
	err := r.Absorb(context.Background(), chatMsg("c1", ""))
	assert.ErrorIs(t, err, apperrors.ErrSerialization)
}

func TestAbsorb_KeepsLocalMediaPath(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	existing := textMsg("m1", "c1", 10, "")
	existing.Parts = []models.Part{{RemoteMediaRef: "R", LocalMediaPath: "/cache/R.jpg"}}
	require.NoError(t, st.UpsertMessage(existing))

	err := r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "m1", Timestamp: 10,
			Parts: []models.Part{{RemoteMediaRef: "R", MimeType: "image/jpeg"}},
		},
	})
	require.NoError(t, err)

	m, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "/cache/R.jpg", m.Parts[0].LocalMediaPath)
	assert.Equal(t, "image/jpeg", m.Parts[0].MimeType)
}

func TestAbsorb_ReplacesOptimisticByCorrelationID(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	opt := models.ChatMessage{
		ID: "tmp_a", ChatID: "c1", CorrelationID: "corr-1", Timestamp: 1000,
		Role: models.RoleUser, Parts: []models.Part{{Text: "hi"}},
	}
	other := opt
	other.ID, other.CorrelationID, other.Timestamp = "tmp_b", "corr-2", 1001
	require.NoError(t, st.UpsertMessage(opt))
	require.NoError(t, st.UpsertMessage(other))

	err := r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "srv-2", CorrelationID: "corr-2", Timestamp: 1500,
			Role: models.RoleUser, Parts: []models.Part{{Text: "hi"}},
		},
	})
	require.NoError(t, err)

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp_a", "srv-2"}, ids(msgs))
}

func TestAbsorb_ReplacesOptimisticWithinWindowWithoutCorrelation(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	require.NoError(t, st.UpsertMessage(models.ChatMessage{
		ID: "tmp_a", ChatID: "c1", Timestamp: base, Role: models.RoleUser,
		Parts: []models.Part{{Text: "hi"}},
	}))

	err := r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "srv-1", Timestamp: base + time.Minute.Milliseconds(),
			Role: models.RoleUser, Parts: []models.Part{{Text: "hi"}},
		},
	})
	require.NoError(t, err)

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, ids(msgs))
}

func TestAbsorb_KeepsOptimisticOutsideWindowOrOtherRole(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	require.NoError(t, st.UpsertMessage(models.ChatMessage{
		ID: "tmp_a", ChatID: "c1", Timestamp: base, Role: models.RoleUser,
	}))

	// Assistant reply never replaces a user message.
	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action:  wire.ActionChat,
		Payload: wire.ChatReply{ChatID: "c1", MessageID: "srv-a", Timestamp: base + 1, Role: models.RoleAssistant},
	}))

	// Too late to be the same message.
	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action:  wire.ActionChat,
		Payload: wire.ChatReply{ChatID: "c1", MessageID: "srv-u", Timestamp: base + (3 * time.Minute).Milliseconds(), Role: models.RoleUser},
	}))

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp_a", "srv-a", "srv-u"}, ids(msgs))
}

func TestAbsorb_CarriesStagedFileToServerCopy(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	require.NoError(t, st.UpsertMessage(models.ChatMessage{
		ID: "tmp_a", ChatID: "c1", CorrelationID: "corr", Timestamp: 1, Role: models.RoleUser,
		Parts: []models.Part{{LocalID: "p1", RemoteMediaRef: "R", LocalMediaPath: "/cache/out/p1.jpg"}},
	}))

	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "srv", CorrelationID: "corr", Timestamp: 2, Role: models.RoleUser,
			Parts: []models.Part{{RemoteMediaRef: "R"}},
		},
	}))

	m, err := st.GetMessage("srv")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "/cache/out/p1.jpg", m.Parts[0].LocalMediaPath)
	assert.Equal(t, "p1", m.Parts[0].LocalID)
}

// --- promotion ---

func TestAbsorb_CompoundChatIDPromotes(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "tmp_x", ChatType: "crop"}))
	require.NoError(t, st.UpsertMessage(models.ChatMessage{
		ID: "tmp_m", ChatID: "tmp_x", CorrelationID: "corr", Timestamp: 5, Role: models.RoleUser,
		Parts: []models.Part{{Text: "what should I plant?"}},
	}))

	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "tmp_x|perm", MessageID: "srv-m", CorrelationID: "corr", Timestamp: 6,
			Role: models.RoleUser, Parts: []models.Part{{Text: "what should I plant?"}},
		},
	}))

	old, err := st.Messages("tmp_x")
	require.NoError(t, err)
	assert.Empty(t, old)

	msgs, err := st.Messages("perm")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-m"}, ids(msgs))

	s, err := st.GetSession("perm")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "crop", s.ChatType)

	assert.Equal(t, "perm", r.Resolve("tmp_x"))
	assert.Equal(t, "perm", r.Resolve("tmp_x|perm"))
	assert.Equal(t, "other", r.Resolve("other"))
}

func TestPromote_Idempotent(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	require.NoError(t, st.UpsertMessage(textMsg("tmp_1", "tmp_x", 1, "a")))
	require.NoError(t, st.UpsertMessage(textMsg("tmp_2", "tmp_x", 2, "b")))

	require.NoError(t, r.Promote("tmp_x", "perm"))
	once, err := st.Messages("perm")
	require.NoError(t, err)

	require.NoError(t, r.Promote("tmp_x", "perm"))
	twice, err := st.Messages("perm")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Len(t, twice, 2)
}

func TestAbsorb_SessionUpdate(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "tmp_x"}))

	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionSession,
		Payload: wire.SessionUpdate{
			ID: "tmp_x|perm", UserID: "u1", ChatType: "soil", LastActivityTS: 99,
		},
	}))

	s, err := st.GetSession("perm")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "soil", s.ChatType)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, int64(99), s.LastActivityTS)

	gone, err := st.GetSession("tmp_x")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestAbsorb_RecommendationAndSelectionBecomeMessages(t *testing.T) {
	r, st, _ := newTestReconciler(t, &fakeHistory{}, nil)

	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionRecommendation,
		Payload: wire.Recommendation{
			ChatID: "c1", MessageID: "rec", Timestamp: 1,
			Crops: []wire.CropSuggestion{{Name: "maize", Score: 0.9, Reason: "rainfall"}},
		},
	}))
	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionSelection,
		Payload: wire.Selection{
			ChatID: "c1", MessageID: "sel", Timestamp: 2,
			Prompt: "Pick a field", Options: []string{"north", "south"},
		},
	}))

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Parts[0].Text, "maize")
	assert.Contains(t, msgs[1].Parts[0].Text, "2. south")
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestAbsorb_UnknownActionIgnored(t *testing.T) {
	r, _, _ := newTestReconciler(t, &fakeHistory{}, nil)
	err := r.Absorb(context.Background(), wire.ActionMessage{Action: "weather", Payload: wire.Unknown{}})
	assert.NoError(t, err)
}

// --- media ---

func TestAbsorb_MediaResolvedOncePerRef(t *testing.T) {
	media := &countingResolver{}
	r, st, _ := newTestReconciler(t, &fakeHistory{}, media)

	msg := wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "m1", Timestamp: 1, Role: models.RoleAssistant,
			Parts: []models.Part{{RemoteMediaRef: "R", MimeType: "image/png"}},
		},
	}

	require.NoError(t, r.Absorb(context.Background(), msg))
	require.NoError(t, r.Absorb(context.Background(), msg))

	assert.Equal(t, 1, media.Calls("R"))

	m, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "/cache/R", m.Parts[0].LocalMediaPath)
}

func TestAbsorb_MediaFailurePublishesError(t *testing.T) {
	media := &countingResolver{err: apperrors.FromStatus(404, "gone")}
	r, st, bus := newTestReconciler(t, &fakeHistory{}, media)
	errs := bus.SubscribeErrors()
	defer errs.Close()

	require.NoError(t, r.Absorb(context.Background(), wire.ActionMessage{
		Action: wire.ActionChat,
		Payload: wire.ChatReply{
			ChatID: "c1", MessageID: "m1", Timestamp: 1,
			Parts: []models.Part{{RemoteMediaRef: "R"}},
		},
	}))

	assert.ErrorIs(t, recv(t, errs), apperrors.ErrNotFound)

	m, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.Empty(t, m.Parts[0].LocalMediaPath)
}

func TestAbsorb_SpeechAttachesAudioOnce(t *testing.T) {
	media := &countingResolver{}
	r, st, _ := newTestReconciler(t, &fakeHistory{}, media)
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 1, "plant maize")))

	speech := wire.ActionMessage{
		Action:  wire.ActionSpeech,
		Payload: wire.SpeechRef{ChatID: "c1", MessageID: "m1", AudioRef: "A", MimeType: "audio/mpeg"},
	}
	require.NoError(t, r.Absorb(context.Background(), speech))
	require.NoError(t, r.Absorb(context.Background(), speech))

	m, err := st.GetMessage("m1")
	require.NoError(t, err)
	require.Len(t, m.Parts, 2)
	assert.Equal(t, "A", m.Parts[1].RemoteMediaRef)
	assert.Equal(t, "/cache/A", m.Parts[1].LocalMediaPath)
	assert.Equal(t, 1, media.Calls("A"))
}

// --- history ---

func TestHistory_FetchesNewerThanCache(t *testing.T) {
	api := &fakeHistory{pages: [][]models.ChatMessage{{textMsg("m3", "c1", 40, "new")}}}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 10, "a")))
	require.NoError(t, st.UpsertMessage(textMsg("m2", "c1", 30, "b")))

	msgs, err := r.History(context.Background(), "c1")
	require.NoError(t, err)

	require.Len(t, api.messageCalls, 1)
	assert.Equal(t, historyCall{chatID: "c1", since: 30, limit: 50}, api.messageCalls[0])
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
}

func TestHistory_PendingMessageDoesNotHideOlderRemote(t *testing.T) {
	api := &fakeHistory{pages: [][]models.ChatMessage{{textMsg("m2", "c1", 50, "answer from earlier")}}}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 10, "a")))
	require.NoError(t, st.UpsertMessage(models.ChatMessage{
		ID:            "tmp_u",
		ChatID:        "c1",
		CorrelationID: "corr-u",
		Timestamp:     100,
		Role:          models.RoleUser,
		Parts:         []models.Part{{Text: "typed offline"}},
	}))

	msgs, err := r.History(context.Background(), "c1")
	require.NoError(t, err)

	require.Len(t, api.messageCalls, 1)
	assert.Equal(t, int64(10), api.messageCalls[0].since)
	assert.Equal(t, []string{"m1", "m2", "tmp_u"}, ids(msgs))
}

func TestHistory_ServesCacheWhenRemoteFails(t *testing.T) {
	api := &fakeHistory{err: apperrors.New(apperrors.ErrNoConnectivity, "offline", nil)}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 10, "a")))

	msgs, err := r.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(msgs))
}

func TestHistory_ErrorWhenRemoteFailsAndCacheEmpty(t *testing.T) {
	api := &fakeHistory{err: apperrors.New(apperrors.ErrNoConnectivity, "offline", nil)}
	r, _, _ := newTestReconciler(t, api, nil)

	_, err := r.History(context.Background(), "c1")
	assert.ErrorIs(t, err, apperrors.ErrNoConnectivity)
}

func TestHistory_TempChatStaysLocal(t *testing.T) {
	api := &fakeHistory{}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertMessage(textMsg("tmp_m", "tmp_x", 1, "a")))

	msgs, err := r.History(context.Background(), "tmp_x")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Empty(t, api.messageCalls)
}

func TestHistory_FollowsFullPages(t *testing.T) {
	api := &fakeHistory{pages: [][]models.ChatMessage{
		{textMsg("m1", "c1", 1, ""), textMsg("m2", "c1", 2, "")},
		{textMsg("m3", "c1", 3, "")},
	}}
	r, _, _ := newTestReconciler(t, api, nil)
	r.pageSize = 2

	msgs, err := r.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))

	require.Len(t, api.messageCalls, 2)
	assert.Equal(t, int64(0), api.messageCalls[0].since)
	assert.Equal(t, int64(2), api.messageCalls[1].since)
}

func TestHistory_ResolvesPromotedID(t *testing.T) {
	api := &fakeHistory{}
	r, _, _ := newTestReconciler(t, api, nil)
	require.NoError(t, r.Promote("tmp_x", "perm"))

	_, err := r.History(context.Background(), "tmp_x")
	require.NoError(t, err)
	require.Len(t, api.messageCalls, 1)
	assert.Equal(t, "perm", api.messageCalls[0].chatID)
}

// --- sessions ---

func TestSessions_RefreshesAndSorts(t *testing.T) {
	api := &fakeHistory{sessions: []models.ChatSession{{ID: "s2", LastActivityTS: 50}}}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "s1", LastActivityTS: 20}))
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "tmp_local", LastActivityTS: 90}))

	sessions, err := r.Sessions(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{20}, api.sessionSince, "temp sessions do not move the watermark")
	require.Len(t, sessions, 3)
	assert.Equal(t, "tmp_local", sessions[0].ID)
	assert.Equal(t, "s2", sessions[1].ID)
	assert.Equal(t, "s1", sessions[2].ID)
}

func TestSessions_FallsBackToCache(t *testing.T) {
	api := &fakeHistory{err: apperrors.FromStatus(500, "boom")}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "s1"}))

	sessions, err := r.Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	empty, _, _ := newTestReconciler(t, api, nil)
	_, err = empty.Sessions(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrServer)
}

// --- delete ---

func TestDeleteSession(t *testing.T) {
	api := &fakeHistory{}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "c1"}))
	require.NoError(t, st.UpsertMessage(textMsg("m1", "c1", 1, "")))

	require.NoError(t, r.DeleteSession(context.Background(), "c1"))

	assert.Equal(t, []string{"c1"}, api.deleted)
	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteSession_NotFoundRemotelyStillDeletesLocally(t *testing.T) {
	api := &fakeHistory{delErr: apperrors.FromStatus(404, "no such chat")}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "c1"}))

	require.NoError(t, r.DeleteSession(context.Background(), "c1"))

	s, err := st.GetSession("c1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestDeleteSession_RemoteFailureKeepsLocal(t *testing.T) {
	api := &fakeHistory{delErr: apperrors.FromStatus(503, "down")}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "c1"}))

	err := r.DeleteSession(context.Background(), "c1")
	assert.ErrorIs(t, err, apperrors.ErrServer)

	s, err := st.GetSession("c1")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestDeleteSession_TempChatIsLocalOnly(t *testing.T) {
	api := &fakeHistory{}
	r, st, _ := newTestReconciler(t, api, nil)
	require.NoError(t, st.UpsertSession(models.ChatSession{ID: "tmp_x"}))

	require.NoError(t, r.DeleteSession(context.Background(), "tmp_x"))
	assert.Empty(t, api.deleted)
}

// --- run loop ---

func TestRun_PersistsBusTrafficAndNotifies(t *testing.T) {
	r, st, bus := newTestReconciler(t, &fakeHistory{}, nil)
	changes := r.Changes()
	defer changes.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	bus.Publish(chatMsg("c1", "m1"))

	assert.Equal(t, "c1", recv(t, changes))

	m, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.NotNil(t, m)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
