package user

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/logging"
	"github.com/suPer8Hu/shopchat/internal/models"
	"github.com/suPer8Hu/shopchat/internal/store/redisstore"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent map[string]string
}

func (m *fakeMailer) Send(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string]string{}
	}
	m.sent[to] = body
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return db
}

func newTestService(t *testing.T) (*Service, *fakeMailer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = store.Close() })
	mailer := &fakeMailer{}
	svc := NewService(NewRepo(openTestDB(t)), store, mailer, logging.Discard(), 5*time.Minute)
	return svc, mailer, mr
}

func bob() CreateInput {
	return CreateInput{Username: "bob", Email: "Bob@Example.com", Phone: "13800000000", Password: "pw123456"}
}

func TestCreate_AndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, bob())
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
	assert.Equal(t, "bob@example.com", u.Email)
	assert.True(t, u.IsActive)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "pw123456"))

	got, err := svc.GetByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	got, err = svc.GetByPhone(ctx, "13800000000")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)

	got, err = svc.FindByAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	in := bob()
	in.Phone = ""
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	in = bob()
	in.Email = "not-an-email"
	_, err = svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestCreate_ConflictOnAnyUniqueField(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, bob())
	require.NoError(t, err)

	for _, mut := range []func(*CreateInput){
		func(in *CreateInput) { in.Email, in.Phone = "x@y.z", "1" },    // same username
		func(in *CreateInput) { in.Username, in.Phone = "other", "2" }, // same email
		func(in *CreateInput) { in.Username, in.Email = "other", "o@y.z" },
	} {
		in := bob()
		mut(&in)
		_, err := svc.Create(ctx, in)
		assert.ErrorIs(t, err, common.ErrConflict)
	}
}

func TestList_Pagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, CreateInput{
			Username: fmt.Sprintf("u%d", i), Email: fmt.Sprintf("u%d@x.io", i),
			Phone: fmt.Sprint(i), Password: "pw",
		})
		require.NoError(t, err)
	}

	users, p, err := svc.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].Username)
	assert.Equal(t, common.Pagination{Total: 5, PageSize: 2, PageNum: 2, TotalPages: 3}, p)

	_, p, err = svc.List(ctx, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PageNum)
	assert.Equal(t, 100, p.PageSize)
}

func TestUpdate_AndPatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u, err := svc.Create(ctx, bob())
	require.NoError(t, err)
	other, err := svc.Create(ctx, CreateInput{Username: "eve", Email: "eve@x.io", Phone: "9", Password: "pw"})
	require.NoError(t, err)

	in := bob()
	in.Username = "robert"
	in.Password = "newpass"
	updated, err := svc.Update(ctx, u.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "robert", updated.Username)
	assert.True(t, auth.CheckPassword(updated.PasswordHash, "newpass"))

	in.Email = "eve@x.io"
	_, err = svc.Update(ctx, u.ID, in)
	assert.ErrorIs(t, err, common.ErrConflict)

	patched, err := svc.Patch(ctx, u.ID, map[string]any{"is_admin": "true", "is_active": "FALSE"})
	require.NoError(t, err)
	assert.True(t, patched.IsAdmin)
	assert.False(t, patched.IsActive)

	_, err = svc.Patch(ctx, u.ID, map[string]any{"phone": other.Phone})
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = svc.Patch(ctx, u.ID, map[string]any{"password_hash": "x"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = svc.Patch(ctx, 9999, map[string]any{"is_admin": true})
	assert.ErrorIs(t, err, common.ErrNotFound)

	gone, err := svc.Patch(ctx, other.ID, map[string]any{"is_deleted": true})
	require.NoError(t, err)
	assert.True(t, gone.IsDeleted)
	assert.Equal(t, "eve", gone.Username)
	_, err = svc.Get(ctx, other.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDelete_IsSoft(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u, err := svc.Create(ctx, bob())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, u.ID))
	_, err = svc.Get(ctx, u.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, u.ID), common.ErrNotFound)

	// the row still blocks re-registration of the same identifiers
	_, err = svc.Create(ctx, bob())
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u, err := svc.Create(ctx, bob())
	require.NoError(t, err)

	for _, account := range []string{"bob", "bob@example.com", "13800000000"} {
		got, err := svc.Authenticate(ctx, account, "pw123456", "10.0.0.1")
		require.NoError(t, err, account)
		assert.Equal(t, u.ID, got.ID)
	}

	_, err = svc.Authenticate(ctx, "bob", "wrong", "10.0.0.1")
	assert.ErrorIs(t, err, common.ErrBadCredentials)
	_, err = svc.Authenticate(ctx, "nobody", "pw", "10.0.0.1")
	assert.ErrorIs(t, err, common.ErrBadCredentials)

	h, err := svc.IPHistory(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, h.CurrentIP)
	assert.Equal(t, "10.0.0.1", *h.CurrentIP)
	assert.NotNil(t, h.LastLogin)
	assert.Equal(t, "bob", h.UserInfo.Username)

	_, err = svc.Patch(ctx, u.ID, map[string]any{"is_active": false})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "bob", "pw123456", "10.0.0.1")
	assert.ErrorIs(t, err, common.ErrForbidden)
}

var codeRe = regexp.MustCompile(`\b(\d{6})\b`)

func TestRegister_Flow(t *testing.T) {
	svc, mailer, mr := newTestService(t)
	ctx := context.Background()
	in := bob()

	require.NoError(t, svc.RegisterPrecheck(ctx, in))
	assert.ErrorIs(t, svc.RegisterPrecheck(ctx, in), ErrCodeTooSoon)

	m := codeRe.FindStringSubmatch(mailer.sent["bob@example.com"])
	require.Len(t, m, 2)
	code := m[1]

	_, err := svc.Register(ctx, in, "000000x")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	in.IsAdmin = true
	u, err := svc.Register(ctx, in, code)
	require.NoError(t, err)
	assert.False(t, u.IsAdmin, "self-registration never grants admin")

	// code is single use
	_, err = svc.Register(ctx, in, code)
	assert.ErrorIs(t, err, ErrCodeExpired)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, svc.RegisterPrecheck(ctx, in), common.ErrConflict)
}

func TestRegister_CodeExpires(t *testing.T) {
	svc, mailer, mr := newTestService(t)
	ctx := context.Background()
	in := bob()
	in.Username = "carol"
	in.Email = "carol@x.io"
	in.Phone = "77"

	require.NoError(t, svc.RegisterPrecheck(ctx, in))
	code := codeRe.FindStringSubmatch(mailer.sent["carol@x.io"])[1]

	mr.FastForward(6 * time.Minute)
	_, err := svc.Register(ctx, in, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestRegister_WrongCodesBurnTheCode(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	in := bob()

	require.NoError(t, svc.RegisterPrecheck(ctx, in))
	code := codeRe.FindStringSubmatch(mailer.sent["bob@example.com"])[1]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 1; i < MaxCodeAttempts; i++ {
		_, err := svc.Register(ctx, in, wrong)
		require.ErrorIs(t, err, ErrCodeInvalid, "attempt %d", i)
	}
	// one guess left, and it is spent on a wrong code
	_, err := svc.Register(ctx, in, wrong)
	require.ErrorIs(t, err, ErrCodeInvalid)

	_, err = svc.Register(ctx, in, code)
	assert.ErrorIs(t, err, ErrCodeExpired, "the right code no longer works")
}

func TestRegister_RightCodeBeforeLimit(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	in := bob()

	require.NoError(t, svc.RegisterPrecheck(ctx, in))
	code := codeRe.FindStringSubmatch(mailer.sent["bob@example.com"])[1]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 1; i < MaxCodeAttempts; i++ {
		_, err := svc.Register(ctx, in, wrong)
		require.ErrorIs(t, err, ErrCodeInvalid)
	}
	u, err := svc.Register(ctx, in, code)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
}
