package gateway

import (
	"errors"
	"testing"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
)

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-1", Name: "analyst"},
		{Token: "secret-2", Name: "dashboard"},
	})

	info, err := auth.Authenticate("secret-2")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "dashboard" {
		t.Errorf("name = %q", info.Name)
	}

	if _, err := auth.Authenticate("wrong"); !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("err = %v, want ErrGatewayAuthFailed", err)
	}
	if _, err := auth.Authenticate(""); !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("empty token: err = %v", err)
	}
}

func TestOpenAuthAdmitsEveryone(t *testing.T) {
	info, err := OpenAuth{}.Authenticate("anything")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "anonymous" {
		t.Errorf("name = %q", info.Name)
	}
}

func TestNewAuthenticator(t *testing.T) {
	if _, ok := NewAuthenticator(config.AuthConfig{}).(OpenAuth); !ok {
		t.Error("empty config should yield open auth")
	}
	a := NewAuthenticator(config.AuthConfig{
		Type:   "static",
		Tokens: []config.TokenConfig{{Token: "t", Name: "n"}},
	})
	if _, ok := a.(*StaticTokenAuth); !ok {
		t.Errorf("static config yielded %T", a)
	}
}
