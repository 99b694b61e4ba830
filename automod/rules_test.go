package automod

import (
	"testing"

	"forum-automod/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Hello World", "  hello world "))
	assert.Equal(t, 0.0, Similarity("", "anything"))
	assert.Equal(t, 0.0, Similarity("   ", "   "))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.InDelta(t, 8.0/13.0, Similarity("kitten", "sitting"), 1e-9)
	assert.Equal(t, Similarity("kitten", "sitting"), Similarity("sitting", "kitten"))
}

func TestSimilarityCountsCharacters(t *testing.T) {
	assert.Equal(t, 0.75, Similarity("café", "cafe"))
	assert.Equal(t, 1.0, Similarity("Ünïcode Überall", "ünïcode überall"))

	var wide []rune
	for r := rune(0x4e00); r < 0x4e00+300; r++ {
		wide = append(wide, r)
	}
	text := string(wide)
	assert.Equal(t, 1.0, Similarity(text, text))
	assert.InDelta(t, 598.0/599.0, Similarity(text, string(wide[:299])), 1e-9)
}

func TestCheckPatternsQuotesMatch(t *testing.T) {
	patterns := []models.Pattern{
		{Name: "invite", Pattern: `discord\.gg/\w+`, Category: models.CategoryBlock},
		{Name: "nitro", Pattern: "free nitro", Category: models.CategoryBlock},
	}

	d, err := checkPatterns("grab your FREE NITRO at discord.gg/abc", patterns, models.CategoryBlock)
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlock, d.Action)
	assert.Contains(t, d.Reason, "`FREE NITRO`", "the earliest match in the text is quoted")

	d, err = checkPatterns("nothing to see", patterns, models.CategoryBlock)
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, d.Action)

	_, err = checkPatterns("x", []models.Pattern{{Pattern: "(open"}}, models.CategoryWarn)
	assert.Error(t, err)
}

func TestCheckRequiredSkipsMalformed(t *testing.T) {
	patterns := []models.Pattern{
		{Name: "broken", Pattern: "[a-"},
		{Name: "version", Pattern: `v\d+`},
	}

	d, skipped := checkRequired("running V2", patterns)
	assert.Equal(t, models.ActionNone, d.Action)
	require.Len(t, skipped, 1)
	assert.Equal(t, "broken", skipped[0].Name)

	d, _ = checkRequired("no version here", patterns)
	assert.Equal(t, models.ActionRequired, d.Action)
	assert.Contains(t, d.Reason, `v\d+`)
}

func TestBlacklistIgnoresEmptyWords(t *testing.T) {
	d := checkBlacklist("anything", []models.Pattern{{Pattern: ""}})
	assert.Equal(t, models.ActionNone, d.Action)
}
