// Package calculator provides an MCP server with small demo tools: an
// immediate "sum" and a long-running "count" that reports progress.
package calculator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultCountInterval = 100 * time.Millisecond
	maxCount             = 10000
)

// NewServer creates a new MCP server with the demo tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"calculator",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	sumTool := mcp.NewTool("sum",
		mcp.WithDescription("Calculates the sum of an array of numbers"),
		mcp.WithArray("numbers",
			mcp.Required(),
			mcp.Description("Array of numbers to sum"),
			mcp.Items(map[string]any{
				"type": "number",
			}),
		),
	)
	s.AddTool(sumTool, sumHandler)

	countTool := mcp.NewTool("count",
		mcp.WithDescription("Counts from 1 to a number, reporting progress on every step"),
		mcp.WithNumber("to",
			mcp.Required(),
			mcp.Description("Number to count to"),
		),
		mcp.WithNumber("interval_ms",
			mcp.Description("Delay between steps in milliseconds (default 100)"),
		),
	)
	s.AddTool(countTool, countHandler)

	return s
}

// sumHandler handles the sum tool call.
func sumHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	numbersArg, ok := args["numbers"]
	if !ok {
		return mcp.NewToolResultError("numbers argument is required"), nil
	}

	numbers, err := toFloat64Slice(numbersArg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid numbers: %v", err)), nil
	}

	var sum float64
	for _, n := range numbers {
		sum += n
	}

	return mcp.NewToolResultText(formatFloat(sum)), nil
}

// countHandler counts up to "to", sending notifications/progress after each
// step when the caller supplied a progress token.
func countHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	to, ok := toNumber(args["to"])
	if !ok {
		return mcp.NewToolResultError("to argument is required"), nil
	}
	n := int(to)
	if n < 0 || n > maxCount {
		return mcp.NewToolResultError(fmt.Sprintf("to must be between 0 and %d", maxCount)), nil
	}

	interval := defaultCountInterval
	if ms, ok := toNumber(args["interval_ms"]); ok && ms >= 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	var token mcp.ProgressToken
	if request.Params.Meta != nil {
		token = request.Params.Meta.ProgressToken
	}
	srv := server.ServerFromContext(ctx)

	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	for i := 1; i <= n; i++ {
		if interval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if token == nil || srv == nil {
			continue
		}
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      i,
			"total":         n,
		})
		if err != nil {
			return nil, fmt.Errorf("send progress: %w", err)
		}
	}

	return mcp.NewToolResultText(fmt.Sprintf("counted to %d", n)), nil
}

// toNumber reads a JSON number argument.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toFloat64Slice converts an interface{} to []float64.
func toFloat64Slice(v any) ([]float64, error) {
	switch arr := v.(type) {
	case []any:
		result := make([]float64, len(arr))
		for i, elem := range arr {
			n, ok := toNumber(elem)
			if !ok {
				return nil, fmt.Errorf("element %d is not a number: %T", i, elem)
			}
			result[i] = n
		}
		return result, nil
	case []float64:
		return arr, nil
	case []int:
		result := make([]float64, len(arr))
		for i, n := range arr {
			result[i] = float64(n)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected array, got %T", v)
	}
}

// formatFloat formats a float64 as a string, removing trailing zeros.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
