package email

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		to   []string
		want error
	}{
		{"single recipient", []string{"alice@example.com"}, nil},
		{"blank then real", []string{"  ", "bob@example.com"}, nil},
		{"nil", nil, ErrNoRecipients},
		{"only blanks", []string{"", " "}, ErrNoRecipients},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := &Email{To: tt.to}
			if got := msg.Validate(); !errors.Is(got, tt.want) {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}
