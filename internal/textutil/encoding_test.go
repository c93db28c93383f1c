package textutil

import (
	"testing"
	"unicode/utf8"
)

func TestDecodeCharset(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		charset string
		want    string
	}{
		{"utf8 passthrough", []byte("héllo"), "utf-8", "héllo"},
		{"latin1 declared", []byte{'c', 'a', 'f', 0xe9}, "iso-8859-1", "café"},
		{"windows-1252 quotes", []byte{0x93, 'h', 'i', 0x94}, "windows-1252", "“hi”"},
		{"quoted label", []byte{'c', 'a', 'f', 0xe9}, `"ISO-8859-1"`, "café"},
		{"unknown label falls back", []byte("plain"), "x-nonsense", "plain"},
		{"empty label ascii", []byte("plain"), "", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeCharset(tt.data, tt.charset); got != tt.want {
				t.Errorf("DecodeCharset = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureUTF8AlwaysValid(t *testing.T) {
	inputs := []string{
		"already valid",
		string([]byte{0xff, 0xfe, 'a'}),
		string([]byte{'R', 0xe9, 's', 'u', 'm', 0xe9}),
	}
	for _, in := range inputs {
		if out := EnsureUTF8(in); !utf8.ValidString(out) {
			t.Errorf("EnsureUTF8(%q) = %q, not valid UTF-8", in, out)
		}
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"  spaced \n\t out  ", 20, "spaced out"},
		{"abcdefghij", 8, "abcde..."},
		{"日本語のテキスト", 5, "日本..."},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := Snippet(tt.in, tt.max); got != tt.want {
			t.Errorf("Snippet(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
