package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteCodeCheckRedeemable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		code InviteCode
		want error
	}{
		{"fresh", InviteCode{MaxUses: 1}, nil},
		{"not yet expired", InviteCode{MaxUses: 3, UsedCount: 2, ExpiresAt: &future}, nil},
		{"expired", InviteCode{MaxUses: 1, ExpiresAt: &past}, ErrInviteExpired},
		{"expires exactly now", InviteCode{MaxUses: 1, ExpiresAt: &now}, ErrInviteExpired},
		{"exhausted", InviteCode{MaxUses: 2, UsedCount: 2}, ErrInviteExhausted},
		{"disabled wins", InviteCode{MaxUses: 2, UsedCount: 2, Disabled: true}, ErrInviteDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.code.CheckRedeemable(now), tt.want)
		})
	}
}

func TestGenerateInviteCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateInviteCode()
		require.NoError(t, err)
		require.Regexp(t, pattern, code)
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestNormalizeInviteCode(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH", NormalizeInviteCode("  abcd-efgh "))
}

func TestSlugHelpers(t *testing.T) {
	assert.Equal(t, "hello-world-2026", Slugify("  Hello, World! 2026 "))
	assert.Equal(t, "", Slugify("!!!"))
	assert.NoError(t, ValidateSlug("my-page"))
	assert.ErrorIs(t, ValidateSlug("My Page"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug("-leading"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug(""), ErrInvalidSlug)
}

func TestValidateCategory(t *testing.T) {
	got, err := ValidateCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryOther, got)

	_, err = ValidateCategory("blog")
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Go ", "go", "", "Design", "a", "b", "c", "d", "e", "f", "g", "h", "i"})
	assert.Equal(t, []string{"go", "design", "a", "b", "c", "d", "e", "f", "g", "h"}, got)
}

func TestCleanFilePath(t *testing.T) {
	ok := map[string]string{
		"src/app/page.tsx": "src/app/page.tsx",
		"./package.json":   "package.json",
		"src\\index.ts":    "src/index.ts",
		"a/b/../c.ts":      "a/c.ts",
	}
	for in, want := range ok {
		got, err := CleanFilePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b", "."} {
		_, err := CleanFilePath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestLanguageFromPath(t *testing.T) {
	assert.Equal(t, "tsx", LanguageFromPath("app/Page.TSX"))
	assert.Equal(t, "plaintext", LanguageFromPath("Dockerfile"))
}
