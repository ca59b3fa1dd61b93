package identity

import (
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"
)

func TestPhoneShaped(t *testing.T) {
	tests := []struct {
		handle string
		want   Role
	}{
		{"775265496", Mobile},
		{"+967775265496", Mobile},
		{" 775265496 ", Mobile},
		{"123456", Mobile},
		{"12345", Business},
		{"1234567890123456", Business},
		{"esh3ar_userA", Business},
		{"77526549a", Business},
		{"", Business},
		{"+", Business},
	}
	for _, tt := range tests {
		t.Run(tt.handle, func(t *testing.T) {
			if got := PhoneShaped(tt.handle); got != tt.want {
				t.Errorf("PhoneShaped(%q) = %s, want %s", tt.handle, got, tt.want)
			}
		})
	}
}

func TestLoginName(t *testing.T) {
	tests := []struct {
		handle string
		role   Role
		want   string
	}{
		{"775265496", Mobile, "967775265496"},
		{"+967775265496", Mobile, "967775265496"},
		{"esh3ar_userA", Business, "esh3ar_userA"},
		{" esh3ar_userA ", Business, "esh3ar_userA"},
	}
	for _, tt := range tests {
		if got := LoginName(tt.handle, "967", tt.role); got != tt.want {
			t.Errorf("LoginName(%q, %s) = %q, want %q", tt.handle, tt.role, got, tt.want)
		}
	}
}

func TestResolveUsesSubject(t *testing.T) {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       []byte("0123456789abcdef0123456789abcdef"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := jwt.Signed(signer).Claims(jwt.Claims{Subject: "user-guid"}).Serialize()
	if err != nil {
		t.Fatal(err)
	}

	id := Resolve("775265496", raw, nil, zap.NewNop())
	if id.UserID != "user-guid" {
		t.Errorf("UserID = %q, want user-guid", id.UserID)
	}
	if id.Role != Mobile {
		t.Errorf("Role = %s, want mobile", id.Role)
	}
	if id.Handle != "775265496" {
		t.Errorf("Handle = %q", id.Handle)
	}
}

func TestResolveOpaqueTokenFallsBackToHandle(t *testing.T) {
	id := Resolve("esh3ar_userA", "opaque", nil, zap.NewNop())
	if id.UserID != "esh3ar_userA" {
		t.Errorf("UserID = %q, want handle", id.UserID)
	}
	if id.Role != Business {
		t.Errorf("Role = %s, want business", id.Role)
	}
}

func TestResolveCustomDiscriminator(t *testing.T) {
	always := func(string) Role { return Business }
	id := Resolve("775265496", "opaque", always, zap.NewNop())
	if id.Role != Business {
		t.Errorf("Role = %s, want business from custom discriminator", id.Role)
	}
}
