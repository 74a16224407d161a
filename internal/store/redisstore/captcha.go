package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func captchaKey(email string) string         { return "captcha:" + email }
func captchaCooldownKey(email string) string { return "captcha:cooldown:" + email }
func captchaFailKey(email string) string     { return "captcha:fail:" + email }

// SetCaptcha stores a new code and resets its failure count.
func (s *Store) SetCaptcha(ctx context.Context, email, code string, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, captchaKey(email), code, ttl)
		p.Del(ctx, captchaFailKey(email))
		return nil
	})
	return err
}

// GetCaptcha returns redis.Nil if the code expired or was never sent.
func (s *Store) GetCaptcha(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, captchaKey(email)).Result()
}

func (s *Store) DeleteCaptcha(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, captchaKey(email), captchaFailKey(email)).Err()
}

// CountCaptchaFailure records one wrong guess for email and returns the
// running total. The counter lives no longer than the code it guards.
func (s *Store) CountCaptchaFailure(ctx context.Context, email string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, captchaFailKey(email))
		p.Expire(ctx, captchaFailKey(email), ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// AcquireCaptchaCooldown reports false while a previous code for email is
// still inside its resend window.
func (s *Store) AcquireCaptchaCooldown(ctx context.Context, email string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, captchaCooldownKey(email), 1, ttl).Result()
}
