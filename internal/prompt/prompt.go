// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/language"
)

// ChartType names the kind of chart a conversation is about.
type ChartType string

const (
	Natal       ChartType = "natal"
	Synastry    ChartType = "synastry"
	Transit     ChartType = "transit"
	SolarReturn ChartType = "solar_return"
)

// ChartTypes lists every chart type in display order.
var ChartTypes = []ChartType{Natal, Synastry, Transit, SolarReturn}

// ErrUnknownChartType is returned by ParseChartType.
var ErrUnknownChartType = errors.New("unknown chart type")

// ErrNoChartData rejects a prompt without chart data.
var ErrNoChartData = errors.New("chart data is empty")

// ParseChartType accepts the canonical names plus the page keys of the web
// client ("birth_page", "solar_return_page", ...).
func ParseChartType(s string) (ChartType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_page")
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "natal", "birth":
		return Natal, nil
	case "synastry":
		return Synastry, nil
	case "transit":
		return Transit, nil
	case "solar_return", "solarreturn":
		return SolarReturn, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChartType, s)
}

// Label is the chart type as it reads inside the prompt.
func (c ChartType) Label() string {
	switch c {
	case Natal:
		return "birth"
	case SolarReturn:
		return "solar return"
	}
	return string(c)
}

// Params are the inputs of the system prompt.
type Params struct {
	ChartType ChartType
	Language  language.Tag
	// ChartData is opaque text, usually markdown tables from RenderTables.
	ChartData string
}

var systemTemplate = template.Must(template.New("system").Parse(`You are an expert astrologer. You answer questions about this astrological {{.ChartType}} chart data:

Please reply in {{.Language}}.

<chart_data>
{{.ChartData}}
</chart_data>

# Chart Data Tables Description
- Celestial Bodies: sign, house and dignity of specific celestial body
- Signs: distribution of celestial bodies in the 12 signs
- Houses: distribution of celestial bodies in the 12 houses
- Elements: distribution of celestial bodies in the 4 elements
- Modalities: distribution of celestial bodies in the 3 modalities
- Polarities: distribution of celestial bodies in the 2 polarities
- Aspects: aspects between celestial bodies
- Quadrants: distribution of celestial bodies in the 4 quadrants
- Hemispheres: distribution of celestial bodies in the 4 hemispheres

# Instructions
- Answer the user's questions based on the chart data.
- think about the followings when answering the user's questions:
- do celestial bodies concentrate in certain signs, houses, elements, modality, polarity, quadrant, or hemisphere?
- do aspects between celestial bodies form certain patterns?
`))

// Build renders the system prompt.
func Build(p Params) (string, error) {
	if strings.TrimSpace(p.ChartData) == "" {
		return "", ErrNoChartData
	}
	if _, err := ParseChartType(string(p.ChartType)); err != nil {
		return "", err
	}

	var b strings.Builder
	err := systemTemplate.Execute(&b, struct {
		ChartType string
		Language  string
		ChartData string
	}{
		ChartType: p.ChartType.Label(),
		Language:  LanguageName(p.Language),
		ChartData: strings.TrimRight(p.ChartData, "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}
