package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	c := NewCanonicalizer([]string{"amazonses.com"})

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"brackets and whitespace", "  <m1@X.com>  ", "m1@x.com"},
		{"local part keeps case", "<AbC@Example.COM>", "AbC@example.com"},
		{"already canonical", "m1@x.com", "m1@x.com"},
		{"relay domain folded", "<0100018c-abc@email.amazonses.com>", "0100018c-abc"},
		{"relay apex folded", "0100018c-abc@AmazonSES.com", "0100018c-abc"},
		{"bare token", "<0100018c-abc>", "0100018c-abc"},
		{"lookalike domain not folded", "id@notamazonses.com", "id@notamazonses.com"},
		{"empty", "", ""},
		{"only brackets", "<>", ""},
		{"inner whitespace", "<m1 @x.com>", ""},
		{"two ats", "a@b@c", ""},
		{"empty local", "<@x.com>", ""},
		{"empty domain", "<m1@>", ""},
		{"nested brackets", "<<m1@x.com>>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Canonicalize(tt.raw))
		})
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	c := NewCanonicalizer([]string{"amazonses.com", " Mailgun.org. "})
	inputs := []string{
		"<m1@x.com>", " <CAFx+abc=def@mail.gmail.com> ", "<id@eu-west-1.amazonses.com>",
		"bare-token", "<20241001.abc@mailgun.org>", "", "<a b>", "x@y@z", "<Mixed@CASE.Org>",
	}
	for _, in := range inputs {
		once := c.Canonicalize(in)
		assert.Equal(t, once, c.Canonicalize(once), "input %q", in)
	}
}

func TestCanonicalizeAllDropsEmptyAndDuplicates(t *testing.T) {
	c := NewCanonicalizer(nil)
	got := c.CanonicalizeAll([]string{"<a@x.com>", "", "<A@X.COM>", "<a@X.com>", "<b@x.com>"})
	assert.Equal(t, []string{"a@x.com", "A@x.com", "b@x.com"}, got)
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"<a@x>", "<b@y>"}, SplitIDs("<a@x>\r\n <b@y>"))
	assert.Equal(t, []string{"a@x", "b@y"}, SplitIDs("a@x b@y"))
	assert.Empty(t, SplitIDs("  "))
}

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, "hello", NormalizeSubject("Hello"))
	assert.Equal(t, "hello", NormalizeSubject("Re: Hello"))
	assert.Equal(t, "hello world", NormalizeSubject("RE: Fwd: re:  FW: Hello   World "))
	assert.Equal(t, "hello", NormalizeSubject("Re[2]: Hello"))
	assert.Equal(t, "regarding pricing", NormalizeSubject("Regarding pricing"))
	assert.Equal(t, "", NormalizeSubject("Re: "))
}
