// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"golang.org/x/text/language"
)

// ModelEntry is a candidate model with descriptions per supported language.
type ModelEntry struct {
	ID string `json:"id"`
	// Descriptions is indexed like Supported.
	Descriptions [2]string `json:"-"`
}

// Describe returns the entry's description in tag.
func (m ModelEntry) Describe(tag language.Tag) string {
	return m.Descriptions[Index(tag)]
}

// defaultModels is the free-tier lineup, fastest all-rounders first.
var defaultModels = []ModelEntry{
	{"google/gemma-3-27b-it:free", [2]string{"Google Gemma 3: Fast all-rounder 🌟", "Google Gemma 3: 快速全能型 🌟"}},
	{"meta-llama/llama-4-maverick:free", [2]string{"Meta LLama 4 Maverick: ok speed, concise answers 🤠", "Meta LLama 4 Maverick: 中等速度, 簡潔回答 🤠"}},
	{"meituan/longcat-flash-chat:free", [2]string{"Meituan LongCat Flash Chat: Fast and powerful 🚀", "美團 LongCat Flash Chat: 快速且強大 🚀"}},
	{"meta-llama/llama-4-scout:free", [2]string{"Meta LLama 4 Scout: For quick and short answers 💨", "Meta LLama 4 Scout: 用於快速且簡短的回答 💨"}},
	{"mistralai/mistral-small-3.2-24b-instruct:free", [2]string{"Mistral Small 3.2: moderate speed, good performance 👌", "Mistral Small 3.2: 中等速度，表現不錯 👌"}},
	{"qwen/qwen3-235b-a22b:free", [2]string{"Qwen 3 235B: Slow but detail 🐌", "Qwen 3 235B: 慢但詳細 🐌"}},
	{"deepseek/deepseek-chat-v3.1:free", [2]string{"DeepSeek Chat V3.1: Moderate speed, average performance ⚖️", "DeepSeek Chat V3.1: 中等速度, 表現平均 ⚖️"}},
	{"meta-llama/llama-3.3-70b-instruct:free", [2]string{"Meta LLama 3.3 70B: Fast simple answer 🏃", "Meta LLama 3.3 70B: 快速簡單回答 🏃"}},
	{"openai/gpt-oss-20b:free", [2]string{"OpenAI GPT-OSS: Super busy, average performance 🤷‍♀️", "OpenAI GPT-OSS: 超級忙碌，表現還好 🤷‍♀️"}},
}

// DefaultModels returns a copy of the built-in catalog.
func DefaultModels() []ModelEntry {
	return append([]ModelEntry(nil), defaultModels...)
}

// DefaultModelIDs returns the ids of the built-in catalog in order.
func DefaultModelIDs() []string {
	ids := make([]string, len(defaultModels))
	for i, m := range defaultModels {
		ids[i] = m.ID
	}
	return ids
}

// Lookup finds id in the built-in catalog.
func Lookup(id string) (ModelEntry, bool) {
	for _, m := range defaultModels {
		if m.ID == id {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// Catalog returns an entry for every id, in order. Ids missing from the
// built-in catalog are described by their id.
func Catalog(ids []string) []ModelEntry {
	out := make([]ModelEntry, 0, len(ids))
	for _, id := range ids {
		if m, ok := Lookup(id); ok {
			out = append(out, m)
			continue
		}
		out = append(out, ModelEntry{ID: id, Descriptions: [2]string{id, id}})
	}
	return out
}

// Candidates orders configured with preferred first. A preferred model that
// is not configured is still tried first; duplicates are dropped.
func Candidates(preferred string, configured []string) []string {
	out := make([]string, 0, len(configured)+1)
	seen := make(map[string]bool, len(configured)+1)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(preferred)
	for _, id := range configured {
		add(id)
	}
	return out
}
