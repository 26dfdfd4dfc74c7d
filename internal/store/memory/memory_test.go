package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/parash93/kdm-procurex-backend/internal/store"
)

func TestUpdateUserPasswordRejectsPlaintext(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.UpdateUserPassword(ctx, "admin", "hunter2-plaintext")
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for plaintext password, got %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("new-password"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := s.UpdateUserPassword(ctx, "admin", string(hash)); err != nil {
		t.Fatalf("expected bcrypt hash to be accepted, got %v", err)
	}

	user, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !strings.HasPrefix(user.Password, "$2") {
		t.Fatalf("expected stored password to stay hashed, got %q", user.Password)
	}
}
