package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/logging"
	"github.com/suPer8Hu/shopchat/internal/store/redisstore"
)

type recordingProvider struct {
	mu    sync.Mutex
	last  []ai.Message
	reply string
	err   error
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return "", p.err
	}
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func (p *recordingProvider) Last() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixture struct {
	db    *gorm.DB
	repo  *Repo
	svc   *Service
	prov  *recordingProvider
	cache *redisstore.Store
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, window int, prompt string) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &recordingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	mr := miniredis.RunT(t)
	cache := redisstore.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = cache.Close() })

	svc := NewService(repo, reg, cache, logging.Discard(), Options{
		ContextWindowSize: window,
		SystemPrompt:      prompt,
	})
	return &fixture{db: db, repo: repo, svc: svc, prov: prov, cache: cache, mr: mr}
}

func (f *fixture) session(t *testing.T, userID uint64) *Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), userID, "", "", "")
	require.NoError(t, err)
	return sess
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t, 20, "")
	sess := f.session(t, 1)

	assert.Len(t, sess.SessionID, 26)
	assert.Equal(t, DefaultTitle, sess.Title)
	assert.Equal(t, "fake", sess.Provider)
	assert.Zero(t, sess.MessageCount)

	_, err := f.svc.CreateSession(context.Background(), 1, "t", "unknown", "")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)

	reply, assistantID, err := f.svc.SendMessage(ctx, 1, sess.SessionID, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.NotZero(t, assistantID)

	var msgs []Message
	require.NoError(t, f.db.Where("session_id = ?", sess.SessionID).Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	got, err := f.svc.OwnedSession(ctx, 1, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)

	cached, err := f.cache.GetMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "ok", cached[1].Content)
}

func TestSendMessage_UsesContextWindowAndSystemPrompt(t *testing.T) {
	f := newFixture(t, 3, "be nice")
	ctx := context.Background()
	sess := f.session(t, 2)

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, f.repo.InsertMessage(ctx, &Message{
			SessionID: sess.SessionID, UserID: 2, Role: role, Content: "seed",
		}))
	}

	_, _, err := f.svc.SendMessage(ctx, 2, sess.SessionID, "new")
	require.NoError(t, err)

	last := f.prov.Last()
	require.Len(t, last, 4, "system prompt + window")
	assert.Equal(t, ai.Message{Role: RoleSystem, Content: "be nice"}, last[0])
	assert.Equal(t, ai.Message{Role: RoleUser, Content: "new"}, last[3])
}

func TestSessions_ScopedToOwner(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)

	_, _, err := f.svc.GetSession(ctx, 2, sess.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.svc.CreateMessage(ctx, 2, sess.SessionID, RoleUser, "hi")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteSession(ctx, 2, sess.SessionID), common.ErrNotFound)
	_, _, err = f.svc.SendMessage(ctx, 2, sess.SessionID, "x")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestListSessions_PaginationAndOrder(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.session(t, 5).SessionID)
	}
	f.session(t, 6)

	// touching the first session moves it to the top
	_, err := f.svc.CreateMessage(ctx, 5, ids[0], RoleUser, "bump")
	require.NoError(t, err)

	items, p, err := f.svc.ListSessions(ctx, 5, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, common.Pagination{Total: 3, PageSize: 20, PageNum: 1, TotalPages: 1}, p)
	require.Len(t, items, 3)
	assert.Equal(t, ids[0], items[0].SessionID)

	items, p, err = f.svc.ListSessions(ctx, 5, 2, 2)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.EqualValues(t, 2, p.TotalPages)
}

func TestRenameAndDeleteSession(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)
	_, err := f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleUser, "hi")
	require.NoError(t, err)

	got, err := f.svc.RenameSession(ctx, 1, sess.SessionID, "  Shopping  ")
	require.NoError(t, err)
	assert.Equal(t, "Shopping", got.Title)

	_, err = f.svc.RenameSession(ctx, 1, sess.SessionID, " ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	require.NoError(t, f.svc.DeleteSession(ctx, 1, sess.SessionID))
	_, _, err = f.svc.GetSession(ctx, 1, sess.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, f.mr.Exists("chat:session:"+sess.SessionID+":messages"))

	var raw Session
	require.NoError(t, f.db.Where("session_id = ?", sess.SessionID).First(&raw).Error)
	assert.True(t, raw.IsDeleted, "soft delete keeps the row")
}

func TestMessages_CRUD(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)

	_, err := f.svc.CreateMessage(ctx, 1, sess.SessionID, "robot", "x")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleUser, "   ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	bot, err := f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleAssistant, "answer")
	require.NoError(t, err)

	msgs, p, err := f.svc.ListMessages(ctx, 1, sess.SessionID, 1, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", msgs[0].Content, "ascending")
	assert.EqualValues(t, 4, p.Total)

	_, p, err = f.svc.ListMessages(ctx, 1, sess.SessionID, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, 50, p.PageSize)

	edited, err := f.svc.EditMessage(ctx, 1, msgs[0].ID, "m0 edited")
	require.NoError(t, err)
	assert.Equal(t, "m0 edited", edited.Content)

	_, err = f.svc.EditMessage(ctx, 1, bot.ID, "nope")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = f.svc.EditMessage(ctx, 2, msgs[0].ID, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)

	got, err := f.svc.GetMessage(ctx, 1, sess.SessionID, msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Content)

	require.NoError(t, f.svc.DeleteMessage(ctx, 1, msgs[1].ID))
	_, err = f.svc.GetMessage(ctx, 1, sess.SessionID, msgs[1].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteMessage(ctx, 1, msgs[1].ID), common.ErrNotFound)

	s, err := f.svc.OwnedSession(ctx, 1, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.MessageCount)

	_, inline, err := f.svc.GetSession(ctx, 1, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, inline, 3)
}

func TestHistory_FallsBackToDBAndReseeds(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)

	_, err := f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleUser, "a")
	require.NoError(t, err)
	_, err = f.svc.CreateMessage(ctx, 1, sess.SessionID, RoleAssistant, "b")
	require.NoError(t, err)

	f.mr.FlushAll()

	h, err := f.svc.History(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []ai.Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}}, h)

	cached, err := f.cache.GetMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	// a dead cache is not fatal
	f.mr.Close()
	h, err = f.svc.History(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, h, 2)
}

func TestSendMessageStream(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)
	f.prov.reply = "streamed"

	chunks, done, msgID, errs := f.svc.SendMessageStream(ctx, 1, sess.SessionID, "hi")
	var got string
	for c := range chunks {
		got += c
	}
	<-done
	assert.NoError(t, <-errs)
	assert.NotZero(t, <-msgID)
	assert.Equal(t, "streamed", got)
}

func TestSendMessageStream_ProviderError(t *testing.T) {
	f := newFixture(t, 20, "")
	sess := f.session(t, 1)
	f.prov.err = errors.New("boom")

	chunks, done, _, errs := f.svc.SendMessageStream(context.Background(), 1, sess.SessionID, "hi")
	for range chunks {
	}
	<-done
	assert.EqualError(t, <-errs, "boom")
}

func TestRunJob(t *testing.T) {
	f := newFixture(t, 20, "")
	ctx := context.Background()
	sess := f.session(t, 1)

	key := "k1"
	m, created, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, sess.SessionID, "q", &key)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, sess.SessionID, "q", &key)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m.ID, again.ID)

	jobID, err := common.NewULID()
	require.NoError(t, err)
	job, created, err := f.svc.CreateJobOrGetExisting(ctx, &Job{
		ID: jobID, UserID: 1, SessionID: sess.SessionID, Prompt: "q", IdempotencyKey: &key, Status: JobQueued,
	})
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, f.svc.RunJob(ctx, job.ID))
	got, err := f.svc.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.Status)
	require.NotNil(t, got.ResultMessageID)

	_, err = f.svc.GetJob(ctx, 2, job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	f.prov.err = errors.New("llm down")
	job2 := &Job{ID: jobID + "X", UserID: 1, SessionID: sess.SessionID, Prompt: "q", Status: JobQueued}
	require.NoError(t, f.svc.CreateJob(ctx, job2))
	assert.Error(t, f.svc.RunJob(ctx, job2.ID))
	got, err = f.svc.GetJob(ctx, 1, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
}
