// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the function-calling demo.
//
// The tool set is closed: getTime, calculate and getWeather. Results are
// JSON objects with a "success" field; failures are results too, never
// panics or Go errors, so they can be handed straight back to the model.
//
// # Key Types
//
//   - Tool: name, description, parameters and executor
//   - Router: dispatches a call by name and encodes the result
//
// # Security
//
// calculate parses its input as a Go constant expression and accepts only
// numbers, + - * / %, unary signs and parentheses. Nothing is executed.
package tools
