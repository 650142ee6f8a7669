package identity

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "trim and collapse", in: "  Mesa   3\t tablet ", want: "Mesa 3 tablet"},
		{name: "strip markup", in: "<b>Tablet</b> <script>x</script>7", want: "Tablet 7"},
		{name: "nfc", in: "José", want: "José"},
		{name: "control chars", in: "a\x00b\x07c", want: "abc"},
		{name: "empty", in: "   ", want: ""},
		{name: "apostrophe kept", in: "O'Brien & Co", want: "O'Brien & Co"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeLabel(tc.in); got != tc.want {
				t.Fatalf("NormalizeLabel(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeLabel_Caps(t *testing.T) {
	t.Parallel()

	got := NormalizeLabel(strings.Repeat("ñ", MaxLabelRunes+40))
	if n := utf8.RuneCountInString(got); n != MaxLabelRunes {
		t.Fatalf("rune count=%d want=%d", n, MaxLabelRunes)
	}
}
