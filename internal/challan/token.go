package challan

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/challanflow/challanflow/internal/shared"
)

// DefaultOTPTTL is the validity window of a public-response OTP.
const DefaultOTPTTL = 10 * time.Minute

// NewPublicToken returns an opaque, unguessable token for the external
// response path. Regenerated on every send.
func NewPublicToken() string {
	return uuid.NewString()
}

// OTPStore keeps single-use OTP challenges in Redis, hashed at rest and
// expiring with the validity window.
type OTPStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOTPStore constructs the store. A zero ttl falls back to DefaultOTPTTL.
func NewOTPStore(client *redis.Client, ttl time.Duration) *OTPStore {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &OTPStore{client: client, ttl: ttl}
}

func otpKey(token string) string {
	return fmt.Sprintf("challan:otp:%s", token)
}

// Issue generates a fresh 6-digit code for the token, replacing any prior
// one, and returns the plain code for the notification channel.
func (s *OTPStore) Issue(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", &shared.ValidationError{Field: "token", Reason: "required"}
	}
	code, err := generateOTP()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, otpKey(token), string(hash), s.ttl).Err(); err != nil {
		return "", err
	}
	return code, nil
}

// Consume verifies the code and clears it so it cannot be replayed. An
// expired, missing or mismatched code is reported as a validation error with
// no hint which of the three it was.
func (s *OTPStore) Consume(ctx context.Context, token, code string) error {
	hash, err := s.client.Get(ctx, otpKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &shared.ValidationError{Field: "otp", Reason: "invalid or expired"}
		}
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		return &shared.ValidationError{Field: "otp", Reason: "invalid or expired"}
	}
	return s.client.Del(ctx, otpKey(token)).Err()
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
