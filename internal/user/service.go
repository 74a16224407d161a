package user

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/email"
	"github.com/suPer8Hu/shopchat/internal/models"
)

var (
	ErrCodeExpired = errors.New("verification code expired or not found")
	ErrCodeInvalid = errors.New("invalid verification code")
	ErrCodeTooSoon = errors.New("verification code already sent, try again later")
)

// CodeStore keeps registration codes; *redisstore.Store implements it.
// MaxCodeAttempts wrong guesses invalidate a verification code.
const MaxCodeAttempts = 5

type CodeStore interface {
	SetCaptcha(ctx context.Context, email, code string, ttl time.Duration) error
	GetCaptcha(ctx context.Context, email string) (string, error)
	DeleteCaptcha(ctx context.Context, email string) error
	CountCaptchaFailure(ctx context.Context, email string, ttl time.Duration) (int64, error)
	AcquireCaptchaCooldown(ctx context.Context, email string, ttl time.Duration) (bool, error)
}

type Service struct {
	repo     *Repo
	codes    CodeStore
	mailer   email.Sender
	log      logrus.FieldLogger
	codeTTL  time.Duration
	cooldown time.Duration
}

func NewService(repo *Repo, codes CodeStore, mailer email.Sender, log logrus.FieldLogger, codeTTL time.Duration) *Service {
	if codeTTL <= 0 {
		codeTTL = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		codes:    codes,
		mailer:   mailer,
		log:      log,
		codeTTL:  codeTTL,
		cooldown: time.Minute,
	}
}

type CreateInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
	IsActive *bool  `json:"is_active"`
}

func (in *CreateInput) normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
}

func (in CreateInput) validate() error {
	if in.Username == "" || in.Email == "" || in.Phone == "" || in.Password == "" {
		return fmt.Errorf("%w: username, email, phone and password are required", common.ErrInvalidInput)
	}
	if len(in.Username) > 50 || len(in.Email) > 100 || len(in.Phone) > 20 {
		return fmt.Errorf("%w: field too long", common.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return fmt.Errorf("%w: invalid email", common.ErrInvalidInput)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("user %w", common.ErrNotFound)
	}
	return err
}

func (s *Service) checkUnique(ctx context.Context, username, emailAddr, phone string, excludeID uint64) error {
	exists, err := s.repo.ExistsAny(ctx, username, emailAddr, phone, excludeID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("user %w", common.ErrConflict)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.User, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.checkUnique(ctx, in.Username, in.Email, in.Phone, 0); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	u := &models.User{
		Username:     in.Username,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		IsAdmin:      in.IsAdmin,
		IsActive:     active,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	return u, notFound(err)
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := s.repo.GetByField(ctx, "username", username)
	return u, notFound(err)
}

func (s *Service) GetByEmail(ctx context.Context, emailAddr string) (*models.User, error) {
	u, err := s.repo.GetByField(ctx, "email", strings.ToLower(emailAddr))
	return u, notFound(err)
}

func (s *Service) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	u, err := s.repo.GetByField(ctx, "phone", phone)
	return u, notFound(err)
}

// FindByAccount resolves a live user from a username, email or phone.
func (s *Service) FindByAccount(ctx context.Context, account string) (*models.User, error) {
	u, err := s.repo.FindByAccount(ctx, strings.TrimSpace(account))
	if err != nil {
		return nil, notFound(err)
	}
	if u.IsDeleted {
		return nil, fmt.Errorf("user %w", common.ErrNotFound)
	}
	return u, nil
}

func (s *Service) List(ctx context.Context, page, pageSize int) ([]models.User, common.Pagination, error) {
	page, pageSize = common.ClampPage(page, pageSize, 20, 100)
	users, total, err := s.repo.List(ctx, common.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	return users, common.NewPagination(total, page, pageSize), nil
}

// Update replaces username, email, phone and password.
func (s *Service) Update(ctx context.Context, id uint64, in CreateInput) (*models.User, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.checkUnique(ctx, in.Username, in.Email, in.Phone, id); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"username":      in.Username,
		"email":         in.Email,
		"phone":         in.Phone,
		"password_hash": hash,
		"is_admin":      in.IsAdmin,
	}
	if in.IsActive != nil {
		fields["is_active"] = *in.IsActive
	}
	if err := s.repo.Update(ctx, id, fields); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

var (
	patchStrings = map[string]int{"username": 50, "email": 100, "phone": 20}
	patchBools   = map[string]bool{"is_admin": true, "is_active": true, "is_deleted": true}
)

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true"), true
	case float64:
		return b != 0, true
	}
	return false, false
}

// Patch applies a subset of fields. Bool flags also accept "true"/"false"
// strings; unknown keys are rejected.
func (s *Service) Patch(ctx context.Context, id uint64, in map[string]any) (*models.User, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", common.ErrInvalidInput)
	}

	fields := make(map[string]any, len(in))
	username, emailAddr, phone := cur.Username, cur.Email, cur.Phone
	for k, v := range in {
		switch {
		case patchStrings[k] > 0:
			str, ok := v.(string)
			str = strings.TrimSpace(str)
			if !ok || str == "" || len(str) > patchStrings[k] {
				return nil, fmt.Errorf("%w: invalid %s", common.ErrInvalidInput, k)
			}
			switch k {
			case "username":
				username = str
			case "email":
				str = strings.ToLower(str)
				if _, err := mail.ParseAddress(str); err != nil {
					return nil, fmt.Errorf("%w: invalid email", common.ErrInvalidInput)
				}
				emailAddr = str
			case "phone":
				phone = str
			}
			fields[k] = str
		case patchBools[k]:
			b, ok := asBool(v)
			if !ok {
				return nil, fmt.Errorf("%w: invalid %s", common.ErrInvalidInput, k)
			}
			fields[k] = b
		case k == "password":
			pw, ok := v.(string)
			if !ok || pw == "" {
				return nil, fmt.Errorf("%w: invalid password", common.ErrInvalidInput)
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return nil, err
			}
			fields["password_hash"] = hash
		default:
			return nil, fmt.Errorf("%w: unknown field %s", common.ErrInvalidInput, k)
		}
	}

	if username != cur.Username || emailAddr != cur.Email || phone != cur.Phone {
		if err := s.checkUnique(ctx, username, emailAddr, phone, id); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, id, fields); err != nil {
		return nil, err
	}
	if deleted, _ := fields["is_deleted"].(bool); deleted {
		// Get no longer sees the row; report the last live state.
		cur.IsDeleted = true
		return cur, nil
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id uint64) error {
	ok, err := s.repo.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %w", common.ErrNotFound)
	}
	return nil
}

// Authenticate checks account+password and records the login.
func (s *Service) Authenticate(ctx context.Context, account, password, ip string) (*models.User, error) {
	account = strings.TrimSpace(account)
	if account == "" || password == "" {
		return nil, fmt.Errorf("%w: account and password are required", common.ErrInvalidInput)
	}
	u, err := s.repo.FindByAccount(ctx, account)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrBadCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, common.ErrBadCredentials
	}
	if u.IsDeleted || !u.IsActive {
		return nil, fmt.Errorf("account disabled: %w", common.ErrForbidden)
	}

	now := time.Now().UTC()
	if err := s.repo.RecordLogin(ctx, u.ID, ip, now); err != nil {
		return nil, err
	}
	u.IPAddress = &ip
	u.LastLogin = &now
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "ip": ip}).Info("user logged in")
	return u, nil
}

type IPHistory struct {
	CurrentIP *string    `json:"current_ip"`
	LastLogin *time.Time `json:"last_login"`
	UserInfo  struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"user_info"`
}

func (s *Service) IPHistory(ctx context.Context, id uint64) (*IPHistory, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h := &IPHistory{CurrentIP: u.IPAddress, LastLogin: u.LastLogin}
	h.UserInfo.Username = u.Username
	h.UserInfo.Email = u.Email
	return h, nil
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// RegisterPrecheck validates a sign-up and mails a verification code.
func (s *Service) RegisterPrecheck(ctx context.Context, in CreateInput) error {
	in.normalize()
	if err := in.validate(); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, in.Username, in.Email, in.Phone, 0); err != nil {
		return err
	}

	ok, err := s.codes.AcquireCaptchaCooldown(ctx, in.Email, s.cooldown)
	if err != nil {
		return fmt.Errorf("captcha cooldown: %w", err)
	}
	if !ok {
		return ErrCodeTooSoon
	}

	code, err := newCode()
	if err != nil {
		return err
	}
	if err := s.codes.SetCaptcha(ctx, in.Email, code, s.codeTTL); err != nil {
		return fmt.Errorf("store captcha: %w", err)
	}

	body := fmt.Sprintf("Your verification code is %s.\n\nIt expires in %d minutes.\n", code, int(s.codeTTL.Minutes()))
	if err := s.mailer.Send(ctx, in.Email, "Your verification code", body); err != nil {
		s.log.WithError(err).WithField("email", in.Email).Warn("send verification code failed")
		_ = s.codes.DeleteCaptcha(ctx, in.Email)
		return fmt.Errorf("send verification code: %w", err)
	}
	return nil
}

// Register consumes the verification code and creates a regular user.
// codeMiss counts a wrong code and burns the code once MaxCodeAttempts is
// reached, so a six-digit code cannot be brute forced within its TTL.
func (s *Service) codeMiss(ctx context.Context, emailAddr string) {
	n, err := s.codes.CountCaptchaFailure(ctx, emailAddr, s.codeTTL)
	if err != nil {
		s.log.WithError(err).WithField("email", emailAddr).Warn("count captcha failure")
		return
	}
	if n < MaxCodeAttempts {
		return
	}
	if err := s.codes.DeleteCaptcha(ctx, emailAddr); err != nil {
		s.log.WithError(err).WithField("email", emailAddr).Warn("drop captcha after failures")
		return
	}
	s.log.WithFields(logrus.Fields{"email": emailAddr, "attempts": n}).Info("captcha invalidated after repeated failures")
}

func (s *Service) Register(ctx context.Context, in CreateInput, code string) (*models.User, error) {
	in.normalize()
	in.IsAdmin = false
	in.IsActive = nil
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: verification code is required", common.ErrInvalidInput)
	}

	stored, err := s.codes.GetCaptcha(ctx, in.Email)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("load captcha: %w", err)
	}
	if stored != strings.TrimSpace(code) {
		s.codeMiss(ctx, in.Email)
		return nil, ErrCodeInvalid
	}

	u, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	_ = s.codes.DeleteCaptcha(ctx, in.Email)
	return u, nil
}
