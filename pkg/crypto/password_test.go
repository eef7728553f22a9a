package crypto

import (
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var alphanumeric = regexp.MustCompile(`^[A-Za-z0-9]+$`)

func TestGeneratePasswordProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("passwords are alphanumeric with the requested length", prop.ForAll(
		func(n int) bool {
			pw, err := GeneratePassword(n)
			return err == nil && len(pw) == n && alphanumeric.MatchString(pw)
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestGeneratePasswordDefaultLength(t *testing.T) {
	pw, err := GeneratePassword(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(pw) != DefaultPasswordLength {
		t.Fatalf("expected %d chars, got %d", DefaultPasswordLength, len(pw))
	}
}

func TestRandomSuffix(t *testing.T) {
	for _, n := range []int{1, 6, 7, 32} {
		s, err := RandomSuffix(n)
		if err != nil {
			t.Fatalf("suffix: %v", err)
		}
		if len(s) != n || !regexp.MustCompile(`^[0-9a-f]+$`).MatchString(s) {
			t.Fatalf("unexpected suffix %q for n=%d", s, n)
		}
	}
}
