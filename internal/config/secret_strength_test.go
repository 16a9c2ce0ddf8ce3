package config

import "testing"

func TestIsWeakSecret(t *testing.T) {
	cases := []struct {
		secret string
		weak   bool
	}{
		{"", false}, // empty means trust/cert auth, not scored
		{"password", true},
		{"12345678", true},
		{"qwerty123", true},
		{"kV9#mPz$2LqW8@xR5nT", false},
	}
	for _, c := range cases {
		if got := IsWeakSecret(c.secret); got != c.weak {
			t.Errorf("IsWeakSecret(%q): got %v, want %v", c.secret, got, c.weak)
		}
	}
}
