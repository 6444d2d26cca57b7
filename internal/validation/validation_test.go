package validation

import (
	"testing"

	"github.com/mmeshcher/channel-hub/internal/model"
)

func TestNormalizeOwnerID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		want  string
		valid bool
	}{
		{
			name:  "checksummed address",
			id:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
			want:  "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
			valid: true,
		},
		{
			name:  "surrounding spaces",
			id:    "  0x00000000000000000000000000000000000000bb ",
			want:  "0x00000000000000000000000000000000000000bb",
			valid: true,
		},
		{
			name:  "missing prefix",
			id:    "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
			valid: false,
		},
		{
			name:  "too short",
			id:    "0x1234",
			valid: false,
		},
		{
			name:  "not hex",
			id:    "0xzzzeb6053f3e94c9b9a09f33669435e7ef1beaed",
			valid: false,
		},
		{
			name:  "empty string",
			id:    "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeOwnerID(tt.id)
			if ok != tt.valid {
				t.Fatalf("NormalizeOwnerID(%q) ok = %v, want %v", tt.id, ok, tt.valid)
			}
			if got != tt.want {
				t.Fatalf("NormalizeOwnerID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole("Payer"); !ok || role != model.RolePayer {
		t.Fatalf("ParseRole(Payer) = %q, %v", role, ok)
	}
	if role, ok := ParseRole("payee"); !ok || role != model.RolePayee {
		t.Fatalf("ParseRole(payee) = %q, %v", role, ok)
	}
	if _, ok := ParseRole("merchant"); ok {
		t.Fatalf("ParseRole(merchant) must fail")
	}
}

func TestIsValidChain(t *testing.T) {
	valid := []string{"base", "ethereum", "arbitrum-one", "l2"}
	invalid := []string{"", "Base", "-base", "base-", "base chain", "abcdefghijklmnopqrstuvwxyz0123456"}

	for _, name := range valid {
		if !IsValidChain(name) {
			t.Fatalf("IsValidChain(%q) = false, want true", name)
		}
	}
	for _, name := range invalid {
		if IsValidChain(name) {
			t.Fatalf("IsValidChain(%q) = true, want false", name)
		}
	}
}
