package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier(t *testing.T) {
	v := NewVerifier([]byte("secret"))

	valid, err := v.NewToken("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := v.NewToken("user-1", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := NewVerifier([]byte("other")).NewToken("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1",
		Issuer:  issuer,
	}}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{name: "Valid", token: valid, want: "user-1"},
		{name: "Expired", token: expired, wantErr: ErrTokenExpired},
		{name: "WrongKey", token: otherKey, wantErr: ErrTokenInvalid},
		{name: "NoSubject", token: noSubject, wantErr: ErrTokenInvalid},
		{name: "WrongAlgorithm", token: wrongAlg, wantErr: ErrTokenInvalid},
		{name: "Malformed", token: "not-a-token", wantErr: ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Verify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		header  string
		want    string
		wantErr error
	}{
		{name: "Header", target: "/ws", header: "Bearer abc", want: "abc"},
		{name: "Query", target: "/ws?token=xyz", want: "xyz"},
		{name: "HeaderWins", target: "/ws?token=xyz", header: "Bearer abc", want: "abc"},
		{name: "BadScheme", target: "/ws", header: "Basic abc", wantErr: ErrTokenInvalid},
		{name: "Missing", target: "/ws", wantErr: ErrNoToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := FromRequest(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FromRequest error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserContext(t *testing.T) {
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("Empty context should carry no user")
	}
	got, ok := UserFromContext(WithUser(context.Background(), "u"))
	if !ok || got != "u" {
		t.Errorf("UserFromContext = %q %v, want u true", got, ok)
	}
}
