// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Supported lists the reply languages; the index matches the legacy
// lang_num option stored for users.
var Supported = []language.Tag{
	language.English,
	language.TraditionalChinese,
}

var matcher = language.NewMatcher(Supported)

// ResolveLanguage maps a language option to a supported tag.
//
// It accepts BCP 47 tags, Accept-Language headers and the legacy numeric
// index ("0", "1"). Any other Chinese variant resolves to Traditional
// Chinese; everything else falls back to English.
func ResolveLanguage(s string) language.Tag {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0":
		return language.English
	case "1":
		return language.TraditionalChinese
	}

	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		if base, _ := tags[0].Base(); base.String() == "zh" {
			return language.TraditionalChinese
		}
		return language.English
	}
	return Supported[idx]
}

// Index returns the position of tag in Supported, 0 when unsupported.
func Index(tag language.Tag) int {
	for i, t := range Supported {
		if t == tag {
			return i
		}
	}
	return 0
}

// LanguageName is the English name of tag, as written in the prompt.
func LanguageName(tag language.Tag) string {
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

// NativeName is the name of tag in its own language, for pickers.
func NativeName(tag language.Tag) string {
	return display.Self.Name(tag)
}

// NoticeKind selects a user-facing failure notice.
type NoticeKind int

const (
	// ModelBusy follows a send that exhausted transient failures.
	ModelBusy NoticeKind = iota
	// ModelUnavailable follows a terminal failure.
	ModelUnavailable
)

var notices = map[NoticeKind][2]string{
	ModelBusy:        {"is busy, please try again later or choose another model", "忙碌中，請稍後再試或選擇其他模型"},
	ModelUnavailable: {"is unavailable, please choose another model", "無法使用，請選擇其他模型"},
}

// Notice renders the message shown after a failed send, for example
// "google/gemma-3-27b-it:free is busy, ...".
func Notice(kind NoticeKind, model string, tag language.Tag) string {
	text := notices[kind][Index(tag)]
	if model == "" {
		return text
	}
	return model + " " + text
}
