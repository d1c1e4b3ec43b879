package room

import (
	"errors"
	"testing"
)

func TestGenerateCodeUsesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		if code := GenerateCode(); !ValidCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
	}
}

func TestNormalizeAndValidateCode(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{in: "ab3k", want: "AB3K", valid: true},
		{in: " a b 3 k ", want: "AB3K", valid: true},
		{in: "ab1k", want: "AB1K", valid: false},
		{in: "OOOO", want: "OOOO", valid: false},
		{in: "ab3", want: "AB3", valid: false},
		{in: "ab3kk", want: "AB3KK", valid: false},
	}
	for _, tt := range tests {
		got := NormalizeCode(tt.in)
		if got != tt.want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if ValidCode(got) != tt.valid {
			t.Fatalf("ValidCode(%q) = %v, want %v", got, !tt.valid, tt.valid)
		}
	}
}

func TestShareURLRoundTrip(t *testing.T) {
	link, err := ShareURL("https://duel.example/play?lang=en", "ab3k")
	if err != nil {
		t.Fatalf("share url: %v", err)
	}
	if link != "https://duel.example/play?lang=en&room=AB3K" {
		t.Fatalf("link = %s", link)
	}
	code, stripped, err := CodeFromURL(link)
	if err != nil {
		t.Fatalf("code from url: %v", err)
	}
	if code != "AB3K" || stripped != "https://duel.example/play?lang=en" {
		t.Fatalf("code=%s stripped=%s", code, stripped)
	}
}

func TestCodeFromURLRejects(t *testing.T) {
	if _, stripped, err := CodeFromURL("https://duel.example/?room=I0"); !errors.Is(err, ErrInvalidCode) || stripped != "https://duel.example/" {
		t.Fatalf("bad code: stripped=%s err=%v", stripped, err)
	}
	if _, _, err := CodeFromURL("https://duel.example/"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("missing code: err=%v", err)
	}
	if _, err := ShareURL("https://duel.example/", "nope!"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("share bad code: err=%v", err)
	}
}
