package domain

import (
	"errors"
	"testing"
)

func TestValidateCategory(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"ads", true},
		{"ads/tracking", true},
		{"category2/subcategory", true},
		{"", false},
		{"  ", false},
		{"any", false},
		{"/ads", false},
		{"ads/", false},
		{"ads//tracking", false},
		{"../etc", false},
		{"ads/./x", false},
		{"a\\b", false},
	}
	for _, tt := range tests {
		err := ValidateCategory(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ValidateCategory(%q) = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidateCategory(%q) error not classified as invalid input: %v", tt.in, err)
		}
	}
}

func TestCategoryAliases_Normalize(t *testing.T) {
	aliases := CategoryAliases{
		"adv":     "ads",
		"spyware": "malware",
		"porn":    "adult/porn",
	}
	tests := []struct {
		in, want string
	}{
		{"adv", "ads"},
		{"adv/tracking", "ads/tracking"},
		{"porn", "adult/porn"},
		{"spyware/", "malware"},
		{"gambling", "gambling"},
		{" news ", "news"},
	}
	for _, tt := range tests {
		if got := aliases.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := CategoryAliases(nil).Normalize("/adv/"); got != "adv" {
		t.Errorf("nil aliases Normalize = %q, want %q", got, "adv")
	}
}
