package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateToken(t *testing.T) {
	svc := NewService("test-secret", "operator", "hunter2")

	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
	}{
		{"valid", Credentials{APIKey: "operator", APISecret: "hunter2"}, nil},
		{"wrong secret", Credentials{APIKey: "operator", APISecret: "nope"}, ErrInvalidCredentials},
		{"unknown key", Credentials{APIKey: "someone", APISecret: "hunter2"}, ErrInvalidCredentials},
		{"empty secret", Credentials{APIKey: "operator"}, ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateToken(tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateToken() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}

			claims, err := svc.ValidateToken(token.Token)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.ClientID != "operator" {
				t.Errorf("ClientID = %q, want operator", claims.ClientID)
			}
			if len(claims.Permissions) != 1 || claims.Permissions[0] != "admin" {
				t.Errorf("Permissions = %v, want [admin]", claims.Permissions)
			}
		})
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc := NewService("test-secret", "operator", "hunter2")
	other := NewService("other-secret", "operator", "hunter2")

	token, err := other.GenerateToken(Credentials{APIKey: "operator", APISecret: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(token.Token); err == nil {
		t.Error("token signed with another secret was accepted")
	}

	expired := NewService("test-secret", "operator", "hunter2")
	expired.now = func() time.Time { return time.Now().Add(-TokenTTL - time.Minute) }
	old, err := expired.GenerateToken(Credentials{APIKey: "operator", APISecret: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(old.Token); err == nil {
		t.Error("expired token was accepted")
	}
}

func TestNoAdminKeyRegistersNothing(t *testing.T) {
	svc := NewService("test-secret", "", "")
	if _, err := svc.GenerateToken(Credentials{APIKey: "", APISecret: ""}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}
