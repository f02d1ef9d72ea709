// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Demos maps demo names to their prompts.
var Demos = map[string]string{
	"time":    "What time is it now? If you can, call getTime().",
	"math":    "Calculate the result of (15 + 8) * 3 / 7. If you can, use the calculate function.",
	"weather": "What's the weather like in New York? If you can, use the getWeather function.",
}

// DemoNames returns the demo names, sorted.
func DemoNames() []string {
	names := make([]string, 0, len(Demos))
	for n := range Demos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fallback answers used when the final model reply is empty.
const (
	FallbackAfterTools = "I've run the requested function for you."
	FallbackNoTools    = "I couldn't answer that with the available functions."
)

// UnsupportedModelMessage explains that modelID cannot call functions.
func UnsupportedModelMessage(modelID string, supported []string) string {
	return fmt.Sprintf("This model (%s) does not support function calling.\n\n"+
		"Please switch to one of the following models that support function calling:\n%s",
		modelID, strings.Join(supported, "\n"))
}
