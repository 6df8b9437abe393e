// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt builds the system prompt of a chart conversation and holds
// the static catalogs shown next to it: candidate models with localized
// descriptions and suggested questions per chart type.
//
// # Key Types
//
//   - ChartType: natal, synastry, transit or solar return
//   - Params: inputs of the system prompt
//   - Table: one markdown table of chart data
//   - ModelEntry: catalog entry for a candidate model
//
// # Usage
//
//	lang := prompt.ResolveLanguage(r.Header.Get("Accept-Language"))
//	sys, err := prompt.Build(prompt.Params{
//	    ChartType: prompt.Natal,
//	    Language:  lang,
//	    ChartData: prompt.RenderTables(tables...),
//	})
//	models := prompt.Candidates(userChoice, cfg.Chat.Models)
//
// Only English and Traditional Chinese are supported reply languages.
package prompt
