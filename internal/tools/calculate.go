// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"strings"
)

// maxExpressionLen bounds calculate's input.
const maxExpressionLen = 256

var (
	errDivisionByZero = errors.New("division by zero")
	errIntegerRem     = errors.New("% needs integer operands")
)

func calculate(ctx context.Context, args map[string]any) map[string]any {
	expr, _ := args["expression"].(string)
	v, err := Evaluate(expr)
	if err != nil {
		return map[string]any{
			"success": false,
			"error":   "Invalid expression",
			"message": err.Error(),
		}
	}
	return map[string]any{
		"success":    true,
		"result":     v,
		"expression": expr,
	}
}

// Evaluate computes an arithmetic expression exactly and returns an int64
// when the result is integral, a float64 otherwise.
func Evaluate(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}
	if len(expr) > maxExpressionLen {
		return nil, fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}

	node, err := parser.ParseExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return nil, err
	}

	if i := constant.ToInt(v); i.Kind() == constant.Int {
		if n, exact := constant.Int64Val(i); exact {
			return n, nil
		}
	}
	f, _ := constant.Float64Val(constant.ToFloat(v))
	return f, nil
}

func eval(n ast.Expr) (constant.Value, error) {
	switch n := n.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		v := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("bad number %s", n.Value)
		}
		return v, nil

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(n.Op, x, 0), nil

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, n.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, errDivisionByZero
			}
			return constant.BinaryOp(x, token.QUO, y), nil
		case token.REM:
			if x.Kind() != constant.Int || y.Kind() != constant.Int {
				return nil, errIntegerRem
			}
			if constant.Sign(y) == 0 {
				return nil, errDivisionByZero
			}
			return constant.BinaryOp(x, token.REM, y), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return nil, fmt.Errorf("unsupported expression %T", n)
}
