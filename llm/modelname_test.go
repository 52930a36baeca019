package llm

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestParseModelName(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		wantBase  string
		wantFlags ModeFlags
	}{
		{
			name:     "bare base name",
			input:    "GLM-4.5",
			wantBase: "GLM-4.5",
		},
		{
			name:      "thinking capitalized",
			input:     "GLM-4.5-Thinking",
			wantBase:  "GLM-4.5",
			wantFlags: ModeFlags{Thinking: true},
		},
		{
			name:      "thinking lowercase",
			input:     "qwen3-max-thinking",
			wantBase:  "qwen3-max",
			wantFlags: ModeFlags{Thinking: true},
		},
		{
			name:      "air variant",
			input:     "GLM-4.5-Air",
			wantBase:  "GLM-4.5",
			wantFlags: ModeFlags{Air: true},
		},
		{
			name:      "composed thinking and search",
			input:     "GLM-4.6-Thinking-Search",
			wantBase:  "GLM-4.6",
			wantFlags: ModeFlags{Thinking: true, Search: true},
		},
		{
			name:      "composition order does not matter",
			input:     "GLM-4.6-Search-Thinking",
			wantBase:  "GLM-4.6",
			wantFlags: ModeFlags{Thinking: true, Search: true},
		},
		{
			name:      "image generation",
			input:     "qwen3-max-image",
			wantBase:  "qwen3-max",
			wantFlags: ModeFlags{Image: true},
		},
		{
			name:      "image edit is not image plus junk",
			input:     "qwen3-max-image_edit",
			wantBase:  "qwen3-max",
			wantFlags: ModeFlags{ImageEdit: true},
		},
		{
			name:      "video generation",
			input:     "qwen3-max-video",
			wantBase:  "qwen3-max",
			wantFlags: ModeFlags{Video: true},
		},
		{
			name:     "vision model name stays intact",
			input:    "GLM-4.5V",
			wantBase: "GLM-4.5V",
		},
		{
			name:     "unknown tail stays part of the base",
			input:    "kimi-k2-instruct",
			wantBase: "kimi-k2-instruct",
		},
		{
			name:      "suffix only leaves empty base",
			input:     "-thinking",
			wantBase:  "",
			wantFlags: ModeFlags{Thinking: true},
		},
		{
			name:      "whitespace trimmed",
			input:     "  GLM-4.5-Thinking  ",
			wantBase:  "GLM-4.5",
			wantFlags: ModeFlags{Thinking: true},
		},
		{
			name:      "triple composition",
			input:     "qwen3-max-Search-thinking-image",
			wantBase:  "qwen3-max",
			wantFlags: ModeFlags{Thinking: true, Search: true, Image: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			base, flags := ParseModelName(tc.input)
			assert.Equal(t, tc.wantBase, base)
			assert.Equal(t, tc.wantFlags, flags)
		})
	}
}

func TestModeFlags_Helpers(t *testing.T) {
	assert.False(t, ModeFlags{}.Any())
	assert.True(t, ModeFlags{Search: true}.Any())
	assert.False(t, ModeFlags{Thinking: true, Search: true}.Generation())
	assert.True(t, ModeFlags{ImageEdit: true}.Generation())
	assert.Equal(t, "", ModeFlags{}.String())
	assert.Equal(t, "thinking+search", ModeFlags{Thinking: true, Search: true}.String())
}

// Parsing must be insensitive to suffix ordering: any permutation of the
// same suffix set over the same base resolves to the same base and flags.
func TestProperty_SuffixOrderInsensitive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("suffix order does not change the parse", prop.ForAll(
		func(base string, suffixes []string, seed int) bool {
			forward := base + strings.Join(suffixes, "")

			// Rotate the suffix sequence by the seed to get a permutation.
			rotated := make([]string, len(suffixes))
			for i := range suffixes {
				rotated[i] = suffixes[(i+seed)%max(len(suffixes), 1)]
			}
			permuted := base + strings.Join(rotated, "")

			gotBase1, flags1 := ParseModelName(forward)
			gotBase2, flags2 := ParseModelName(permuted)

			if gotBase1 != base || gotBase2 != base {
				t.Logf("base not recovered: %q -> %q / %q", base, gotBase1, gotBase2)
				return false
			}
			if flags1 != flags2 {
				t.Logf("flags diverge: %v vs %v", flags1, flags2)
				return false
			}
			return true
		},
		gen.Identifier(),
		gen.SliceOf(gen.OneConstOf(
			"-Thinking", "-thinking", "-Search", "-search",
			"-Air", "-image", "-image_edit", "-video",
		)),
		gen.IntRange(0, 16),
	))

	properties.Property("stripping then re-appending round-trips", prop.ForAll(
		func(base string, suffixes []string) bool {
			name := base + strings.Join(suffixes, "")
			gotBase, flags := ParseModelName(name)
			if gotBase != base {
				t.Logf("base %q not recovered from %q", base, name)
				return false
			}
			reBase, reFlags := ParseModelName(gotBase + strings.Join(suffixes, ""))
			return reBase == base && reFlags == flags
		},
		gen.Identifier(),
		gen.SliceOf(gen.OneConstOf(
			"-Thinking", "-thinking", "-Search", "-search",
			"-Air", "-image", "-image_edit", "-video",
		)),
	))

	properties.TestingRun(t)
}
