package llm

import "strings"

// ModeFlags are the request features toggled by public-name suffixes.
// Multiple suffixes compose; flag order does not matter.
type ModeFlags struct {
	Thinking  bool `json:"thinking,omitempty"`
	Search    bool `json:"search,omitempty"`
	Air       bool `json:"air,omitempty"`
	Image     bool `json:"image,omitempty"`
	ImageEdit bool `json:"image_edit,omitempty"`
	Video     bool `json:"video,omitempty"`
}

// Any reports whether any mode flag is set.
func (f ModeFlags) Any() bool {
	return f != ModeFlags{}
}

// Generation reports whether the request produces media instead of text.
func (f ModeFlags) Generation() bool {
	return f.Image || f.ImageEdit || f.Video
}

// String renders set flags for logs, e.g. "thinking+search".
func (f ModeFlags) String() string {
	var parts []string
	if f.Thinking {
		parts = append(parts, "thinking")
	}
	if f.Search {
		parts = append(parts, "search")
	}
	if f.Air {
		parts = append(parts, "air")
	}
	if f.Image {
		parts = append(parts, "image")
	}
	if f.ImageEdit {
		parts = append(parts, "image_edit")
	}
	if f.Video {
		parts = append(parts, "video")
	}
	return strings.Join(parts, "+")
}

// 公开模型名 = 基础模型 + 零个或多个模式后缀。
// The suffix vocabulary is fixed; anything else is part of the base name.
var modeSuffixes = []struct {
	token string
	apply func(*ModeFlags)
}{
	{"-image_edit", func(f *ModeFlags) { f.ImageEdit = true }},
	{"-Thinking", func(f *ModeFlags) { f.Thinking = true }},
	{"-thinking", func(f *ModeFlags) { f.Thinking = true }},
	{"-Search", func(f *ModeFlags) { f.Search = true }},
	{"-search", func(f *ModeFlags) { f.Search = true }},
	{"-Air", func(f *ModeFlags) { f.Air = true }},
	{"-image", func(f *ModeFlags) { f.Image = true }},
	{"-video", func(f *ModeFlags) { f.Video = true }},
}

// ParseModelName splits a public model name into base name and mode flags.
// Stripping is greedy from the right and repeats until no known suffix
// remains, so "GLM-4.6-Thinking-Search" and "GLM-4.6-Search-Thinking"
// resolve identically. The caller decides whether the remaining base is
// actually served.
func ParseModelName(name string) (string, ModeFlags) {
	base := strings.TrimSpace(name)
	var flags ModeFlags
	for {
		stripped := false
		for _, s := range modeSuffixes {
			if strings.HasSuffix(base, s.token) {
				base = base[:len(base)-len(s.token)]
				s.apply(&flags)
				stripped = true
				break
			}
		}
		if !stripped {
			return base, flags
		}
	}
}
