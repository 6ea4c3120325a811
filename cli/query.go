package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/engine/mcpserver"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// ExitError signals a failure that was already written to the output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// QueryCmd returns the query command
func QueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [ref]",
		Short: "Run a Dune query and print the result envelope",
		Long: `Run a saved query (numeric ID or dune.com URL) or raw SQL once and print the
same JSON envelope the dune_query tool returns. With --execution-id the ref may be omitted
and the existing execution is read instead.`,
		Example: `  spice query 4388 --limit 20 --sort-by "volume desc"
  spice query "select 1" --format raw
  spice query --execution-id 01HXYZ --format poll`,
		Args: cobra.MaximumNArgs(1),
		RunE: runQuery,
	}
	flags := cmd.Flags()
	flags.String("execution-id", "", "Read an existing execution instead of starting one")
	flags.StringToString("param", nil, "Query parameter as key=value (repeatable)")
	flags.Bool("refresh", false, "Ignore cached and previous results")
	flags.Float64("max-age", 0, "Accept a previous execution no older than this many seconds")
	flags.Int("limit", 0, "Maximum rows to return")
	flags.Int("offset", 0, "Rows to skip")
	flags.Int("sample-count", 0, "Return a uniform sample of this many rows")
	flags.String("sort-by", "", "Sort expression, e.g. \"volume desc\"")
	flags.StringSlice("columns", nil, "Columns to keep")
	flags.String("filters", "", "Row filter expression")
	flags.String("format", "", "Result format (preview, raw, metadata, poll)")
	flags.Float64("wait", 0, "Seconds to wait for the execution to finish")
	flags.Bool("info", false, "Print saved query metadata instead of running it")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := config.FromContext(cmd.Context())
	ctx := core.ContextWithRequestID(cmd.Context(), uuid.NewString())
	deps, err := mcpserver.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	defer func() {
		if err := deps.Close(context.WithoutCancel(ctx)); err != nil {
			logger.FromContext(ctx).Warn("Failed to release client resources", "error", err)
		}
	}()
	tools := mcpserver.NewTools(deps)
	out := cmd.OutOrStdout()

	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	info, err := cmd.Flags().GetBool("info")
	if err != nil {
		return err
	}
	if info {
		res, err := tools.QueryInfo(ctx, &mcpserver.InfoArgs{Query: ref})
		if err != nil {
			return reportFailure(ctx, cmd, err, map[string]any{"tool": mcpserver.ToolQueryInfo, "query": ref})
		}
		return writeJSON(out, res)
	}

	qargs, err := queryArgsFromFlags(cmd, ref)
	if err != nil {
		return reportFailure(ctx, cmd, err, map[string]any{"tool": mcpserver.ToolQuery, "query": ref})
	}
	res, err := tools.Query(ctx, qargs)
	if err != nil {
		return reportFailure(ctx, cmd, err, qargs.Context())
	}
	return writeJSON(out, res)
}

func reportFailure(ctx context.Context, cmd *cobra.Command, err error, details map[string]any) error {
	if reqID := core.RequestIDFromContext(ctx); reqID != "" {
		details["request_id"] = reqID
	}
	failure := mcpserver.NewFailure(err, details)
	if writeErr := writeJSON(cmd.OutOrStdout(), failure); writeErr != nil {
		return errors.Join(err, writeErr)
	}
	return &ExitError{Code: 1}
}

// queryArgsFromFlags maps the flags the user set onto tool arguments.
func queryArgsFromFlags(cmd *cobra.Command, ref string) (*mcpserver.QueryArgs, error) {
	flags := cmd.Flags()
	args := &mcpserver.QueryArgs{Query: ref}
	var err error
	if args.ExecutionID, err = flags.GetString("execution-id"); err != nil {
		return nil, err
	}
	params, err := flags.GetStringToString("param")
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		args.Parameters = make(map[string]any, len(params))
		for k, v := range params {
			args.Parameters[k] = parseParamValue(v)
		}
	}
	if args.Refresh, err = flags.GetBool("refresh"); err != nil {
		return nil, err
	}
	if args.SortBy, err = flags.GetString("sort-by"); err != nil {
		return nil, err
	}
	if args.Columns, err = flags.GetStringSlice("columns"); err != nil {
		return nil, err
	}
	if args.Filters, err = flags.GetString("filters"); err != nil {
		return nil, err
	}
	if args.Format, err = flags.GetString("format"); err != nil {
		return nil, err
	}
	for name, dst := range map[string]**int{
		"limit":        &args.Limit,
		"offset":       &args.Offset,
		"sample-count": &args.SampleCount,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return nil, err
		}
		*dst = &v
	}
	for name, dst := range map[string]**float64{
		"max-age": &args.MaxAge,
		"wait":    &args.TimeoutSeconds,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetFloat64(name)
		if err != nil {
			return nil, err
		}
		*dst = &v
	}
	return args, nil
}

// parseParamValue keeps numbers and booleans typed so they reach Dune unquoted.
func parseParamValue(s string) any {
	trimmed := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
