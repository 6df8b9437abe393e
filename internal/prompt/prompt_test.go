// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"math/rand/v2"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestParseChartType(t *testing.T) {
	tests := []struct {
		in   string
		want ChartType
	}{
		{"natal", Natal},
		{"birth_page", Natal},
		{"Synastry", Synastry},
		{"transit_page", Transit},
		{"solar-return", SolarReturn},
		{"solar_return_page", SolarReturn},
	}
	for _, tc := range tests {
		got, err := ParseChartType(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseChartType("horary")
	assert.ErrorIs(t, err, ErrUnknownChartType)
}

func TestBuild(t *testing.T) {
	data := RenderTables(Table{
		Title:  "Celestial Bodies",
		Header: []string{"body", "sign", "house"},
		Rows:   [][]string{{"sun", "aries", "1"}},
	})

	got, err := Build(Params{ChartType: Natal, Language: language.English, ChartData: data})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "You are an expert astrologer. You answer questions about this astrological birth chart data:"))
	assert.Contains(t, got, "Please reply in English.")
	assert.Contains(t, got, "<chart_data>\n# Celestial Bodies")
	assert.Contains(t, got, "| sun  | aries | 1     |")
	assert.Contains(t, got, "# Instructions")
}

func TestBuild_SolarReturnChinese(t *testing.T) {
	got, err := Build(Params{ChartType: SolarReturn, Language: language.TraditionalChinese, ChartData: "x"})
	require.NoError(t, err)
	assert.Contains(t, got, "astrological solar return chart data")
	assert.Contains(t, got, "Chinese")
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(Params{ChartType: Natal, ChartData: "  "})
	assert.ErrorIs(t, err, ErrNoChartData)

	_, err = Build(Params{ChartType: "horary", ChartData: "x"})
	assert.ErrorIs(t, err, ErrUnknownChartType)
}

func TestResolveLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want language.Tag
	}{
		{"", language.English},
		{"0", language.English},
		{"1", language.TraditionalChinese},
		{"en-US", language.English},
		{"zh-TW", language.TraditionalChinese},
		{"zh-Hant", language.TraditionalChinese},
		{"zh-HK,zh;q=0.9,en;q=0.8", language.TraditionalChinese},
		{"fr-FR", language.English},
		{"!!!", language.English},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ResolveLanguage(tc.in), tc.in)
	}
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "English", LanguageName(language.English))
	assert.Contains(t, LanguageName(language.TraditionalChinese), "Chinese")
	assert.NotEmpty(t, NativeName(language.TraditionalChinese))
}

func TestNotice(t *testing.T) {
	got := Notice(ModelBusy, "m1", language.English)
	assert.True(t, strings.HasPrefix(got, "m1 is busy"))

	zh := Notice(ModelUnavailable, "m1", language.TraditionalChinese)
	assert.Equal(t, "m1 無法使用，請選擇其他模型", zh)
}

func TestCatalog(t *testing.T) {
	ids := DefaultModelIDs()
	require.NotEmpty(t, ids)
	assert.Equal(t, "google/gemma-3-27b-it:free", ids[0])

	entries := Catalog([]string{"qwen/qwen3-235b-a22b:free", "custom/model"})
	require.Len(t, entries, 2)
	assert.Equal(t, "Qwen 3 235B: Slow but detail 🐌", entries[0].Describe(language.English))
	assert.Equal(t, "Qwen 3 235B: 慢但詳細 🐌", entries[0].Describe(language.TraditionalChinese))
	assert.Equal(t, "custom/model", entries[1].Describe(language.English))

	m := DefaultModels()
	m[0].ID = "changed"
	assert.Equal(t, "google/gemma-3-27b-it:free", DefaultModelIDs()[0])
}

func TestCandidates(t *testing.T) {
	configured := []string{"a", "b", "c"}
	assert.Equal(t, []string{"b", "a", "c"}, Candidates("b", configured))
	assert.Equal(t, []string{"x", "a", "b", "c"}, Candidates("x", configured))
	assert.Equal(t, []string{"a", "b", "c"}, Candidates("", configured))
	assert.Equal(t, []string{"a", "b"}, Candidates("", []string{"a", "b", "a"}))
}

func TestQuestions(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	got := Questions(Natal, language.English, rng)
	require.Len(t, got, len(questionIdeas[Natal]))

	want := make([]string, 0, len(got))
	for _, q := range questionIdeas[Natal] {
		want = append(want, q[0])
	}
	sort.Strings(want)
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	assert.Equal(t, want, sorted, "shuffle must be a permutation")

	zh := Questions(SolarReturn, language.TraditionalChinese, nil)
	assert.Contains(t, zh, "這一年適合創業嗎？")

	assert.Empty(t, Questions(Synastry, language.English, nil))
	assert.Empty(t, Questions(Transit, language.English, nil))
}

func TestTableMarkdown(t *testing.T) {
	tbl := Table{
		Title:  "Aspects",
		Header: []string{"body 1", "aspect", "body 2"},
		Rows: [][]string{
			{"太陽", "trine", "moon"},
			{"mars", "a|b"},
		},
	}
	got := tbl.Markdown()
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "# Aspects", lines[0])
	assert.Equal(t, "| body 1 | aspect | body 2 |", lines[2])
	assert.Equal(t, "| ------ | ------ | ------ |", lines[3])
	assert.Equal(t, "| 太陽   | trine  | moon   |", lines[4])
	assert.Equal(t, `| mars   | a\|b   |        |`, lines[5])

	assert.Equal(t, "", Table{}.Markdown())
}

func TestRenderTables(t *testing.T) {
	a := Table{Header: []string{"h"}, Rows: [][]string{{"1"}}}
	got := RenderTables(a, Table{}, a)
	assert.Equal(t, a.Markdown()+"\n"+a.Markdown(), got)
}
