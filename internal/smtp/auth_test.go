package smtp

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func plain(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("reporter", "s3cret")

	tests := []struct {
		name     string
		encoded  string
		wantUser string
		wantErr  bool
	}{
		{name: "no authzid", encoded: plain("\x00reporter\x00s3cret"), wantUser: "reporter"},
		{name: "with authzid", encoded: plain("admin\x00reporter\x00s3cret"), wantUser: "reporter"},
		{name: "wrong password", encoded: plain("\x00reporter\x00nope"), wantErr: true},
		{name: "wrong username", encoded: plain("\x00someone\x00s3cret"), wantErr: true},
		{name: "invalid base64", encoded: "not-valid-base64!!!", wantErr: true},
		{name: "one separator", encoded: plain("reporter\x00s3cret"), wantErr: true},
		{name: "password prefix", encoded: plain("\x00reporter\x00s3cre"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			user, err := auth.VerifyPlain(tt.encoded)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyPlain(): error %v, wantErr %v", err, tt.wantErr)
			}
			if user != tt.wantUser {
				t.Errorf("VerifyPlain(): got %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestAuthenticator_VerifyPlain_MismatchIsAuthFailed(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("reporter", "s3cret")
	_, err := auth.VerifyPlain(plain("\x00reporter\x00wrong"))
	if !errors.Is(err, errAuthFailed) {
		t.Errorf("error: got %v, want %v", err, errAuthFailed)
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("reporter", "s3cret")

	tests := []struct {
		name     string
		user     string
		pass     string
		wantUser string
		wantErr  bool
	}{
		{name: "success", user: plain("reporter"), pass: plain("s3cret"), wantUser: "reporter"},
		{name: "wrong password", user: plain("reporter"), pass: plain("wrong"), wantErr: true},
		{name: "invalid base64 user", user: "invalid!!!", pass: plain("s3cret"), wantErr: true},
		{name: "invalid base64 pass", user: plain("reporter"), pass: "invalid!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			user, err := auth.VerifyLogin(tt.user, tt.pass)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyLogin(): error %v, wantErr %v", err, tt.wantErr)
			}
			if user != tt.wantUser {
				t.Errorf("VerifyLogin(): got %q, want %q", user, tt.wantUser)
			}
		})
	}
}
