// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"math/rand/v2"

	"golang.org/x/text/language"
)

// questionIdeas holds suggestions per chart type, indexed like Supported.
// Synastry and transit charts have none.
var questionIdeas = map[ChartType][][2]string{
	Natal: {
		{"What does my birth chart reveal about my personality, strengths, and challenges?", "我的本命盤對我的個性、優勢和挑戰有何啟示？"},
		{"What is my career opportunities, and how can I make the most of them?", "我的職業發展有哪些可能性？我應如何有效利用這些機會？"},
		{"Any advice on my love life and relationships?", "關於我的愛情生活和兩性關係，有什麼建議嗎？"},
		{"How does my chart describe my relationship with money and my potential for wealth?", "我的星盤如何描述我與金錢的關係和致富潛力？"},
		{"What challenges will I encounter in interpersonal relationships?", "我在人際關係上會遇到什麼挑戰？"},
		{"How can I improve my relationship with my family of origin?", "我如何能改善與原生家庭的關係？"},
		{"How about my health? Any potential health issues?", "我的健康狀況如何，有任何潛在的健康問題嗎？"},
		{"How can I unleash my creativity or inspiration?", "我該如何發揮我的創造力和靈感？"},
		{"What challenges or life lessons do the birth chart show for me?", "我的本命盤給我揭示了哪些挑戰或人生課題？"},
		{"What kind of investment strategy is right for me?", "什麼類型的投資策略比較適合我？"},
		{"How can I best fulfill my spiritual and emotional needs?", "我該如何最好地滿足我的靈性與情感需求？"},
		{"How can I best use my natural talents to create abundance?", "我如何最好地運用我的天賦來創造豐盛？"},
		{"What should I be aware of in romantic relationships?", "在戀愛關係中，我該注意些什麼？"},
		{"What area will bring me the most success or fulfillment?", "哪一方面能帶給我最大的成功和成就感？"},
		{"Am I better suited to start my own business or work for someone else?", "我比較適合自己創業，還是為他人工作？"},
		{"What kind of partner is most compatible with me?", "哪種類型的伴侶最適合我？"},
		{"What is the best approach to achieve my financial goals?", "達成財務目標的最佳途徑是什麼？"},
		{"Which fields offer potential for career development?", "哪些領域有發展事業的潛力？"},
		{"What potential difficulties or obstacles do I need to overcome?", "我有什麼需要克服的潛在困難或障礙？"},
		{"What natural strengths or talents does my birth chart show?", "我的本命盤顯示我有哪些天生的優勢或才能？"},
		{"How can I feel more at ease and comfortable in my social circle?", "我該如何在社交圈中讓自己感到更自在與舒適？"},
		{"Which area of life can give me more sense of security or stability?", "生命中的哪個領域，可以讓我覺得更穩定或更有安全感？"},
		{"How to improve my communication style?", "如何改善我的溝通風格？"},
		{"Any hidden talents or potential that I might not be aware of?", "有哪些我可能沒有意識到的隱藏才能或潛力？"},
		{"How will my journey of self-healing unfold?", "我的自我療癒之路如何展開？"},
		{"What kind of partner do I truly need in a romantic relationship?", "在愛情中，我真正需要什麼樣的伴侶？"},
	},
	SolarReturn: {
		{"What are my advantages and challenges this year?", "這一年我有什麼優勢和挑戰？"},
		{"What is my career opportunities, and how can I make the most of them?", "我的職業發展有哪些可能性？我應如何有效利用這些機會？"},
		{"Any advice on my love life and relationships?", "對於我的愛情生活和兩性關係，有什麼建議嗎？"},
		{"What is the best investment strategy this year?", "這一年最佳的理財策略是什麼？"},
		{"How about my health? Any potential health issues?", "我的健康狀況如何，有任何潛在的健康問題嗎？"},
		{"What challenges will I encounter in interpersonal relationships?", "我在人際關係上會遇到什麼挑戰？"},
		{"How can I expand my social circle?", "如何擴大我的社交圈子？"},
		{"Which field has the greatest potential for career development?", "哪個領域最有發展事業的潛力？"},
		{"Is this a good year to start a business?", "這一年適合創業嗎？"},
		{"How can I improve my relationship with my family of origin?", "我如何能改善與原生家庭的關係？"},
		{"How can I best fulfill my spiritual and emotional needs?", "我該如何最好地滿足我的靈性與情感需求？"},
		{"How can I best use my natural talents to create abundance this year?", "這一年我如何最好地運用我的天賦來創造豐盛？"},
		{"Any advice on achieving my financial goals this year?", "關於我今年要如何達成財務目標，有什麼建議嗎？"},
		{"How can I unleash my creativity or inspiration?", "我該如何發揮我的創造力和靈感？"},
		{"What potential difficulties or obstacles do I need to overcome?", "我有什麼需要克服的潛在困難或障礙？"},
		{"What area will bring me the most success or fulfillment?", "哪一方面會讓我最容易成功或獲得成就感？"},
		{"How will my journey of self-healing unfold?", "我的自我療癒之路如何展開？"},
		{"What should I be aware of in romantic relationships?", "在戀愛關係中，我該注意些什麼？"},
	},
}

// Questions returns the suggested questions for chartType in tag, shuffled
// with rng. A nil rng uses the global source.
func Questions(chartType ChartType, tag language.Tag, rng *rand.Rand) []string {
	ideas := questionIdeas[chartType]
	idx := Index(tag)
	out := make([]string, len(ideas))
	for i, q := range ideas {
		out[i] = q[idx]
	}

	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
