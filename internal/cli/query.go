package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/querysql"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Query   string // OData query string ("$filter=...&$top=...")
	Local   bool   // evaluate against the local store only
	Explain bool   // print the wire and SQL forms instead of running
}

// QueryOutput is the result of a query.
type QueryOutput struct {
	Set      string           `json:"set"`
	Count    int              `json:"count"`
	Entities []payload.Object `json:"entities"`
}

// ExplainOutput shows how a query is sent and stored.
type ExplainOutput struct {
	Set    string `json:"set"`
	Wire   string `json:"wire"`
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <set>",
		Short: "Query an entity set",
		Long: `Query an entity set, remotely by default.

Remote results are merged into the local store. With --local the query
runs against the hydrated local contents instead.

Examples:
  entsync query People
  entsync query People --query '$filter=Age gt 30&$orderby=Name&$top=10'
  entsync query People --local --format json
  entsync query People --query '$filter=startswith(Name,''A'')' --explain`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Query, "query", "q", "", "OData query string")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "query local data only")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "print the wire and SQL forms of the query")

	return cmd
}

func parseQueryFlag(raw string) (*query.Query, error) {
	if raw == "" {
		return query.New(), nil
	}
	q, err := query.ParseString(raw)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid query", err)
	}
	return q, nil
}

func runQuery(opts *QueryOptions, setName string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	q, err := parseQueryFlag(opts.Query)
	if err != nil {
		return err
	}
	if opts.Explain {
		return explainQuery(formatter, setName, q)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()

	set, err := s.data.Set(setName)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	var res data.QueryResult
	if opts.Local {
		res, err = set.QueryLocal(q)
	} else {
		res, err = set.Query(ctx, q, true)
	}
	if err != nil {
		return formatter.Fail("query failed", err, nil)
	}
	if err := s.data.Flush(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to persist query results", err)
	}

	out := QueryOutput{Set: set.Name(), Count: res.Count, Entities: rows(res.Entities)}
	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	return printRows(formatter, out)
}

func rows(entities []*mapping.Entity) []payload.Object {
	out := make([]payload.Object, 0, len(entities))
	for _, e := range entities {
		out = append(out, mapping.ToJS(e))
	}
	return out
}

func printRows(formatter *OutputFormatter, out QueryOutput) error {
	for _, row := range out.Entities {
		line, err := payload.MarshalCanonical(row)
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(line))
	}
	fmt.Fprintf(formatter.Writer, "%d of %d %s\n", len(out.Entities), out.Count, out.Set)
	return nil
}

func explainQuery(formatter *OutputFormatter, setName string, q *query.Query) error {
	wire, err := q.ToQueryString()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	sqlText, params, err := querysql.NewSQLCompiler().Compile(setName, q)
	if err != nil {
		return WrapExitError(ExitCommandError, "query cannot run against the sqlite store", err)
	}

	out := ExplainOutput{Set: setName, Wire: wire, SQL: sqlText, Params: params}
	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	fmt.Fprintf(formatter.Writer, "wire:   %s\n", out.Wire)
	fmt.Fprintf(formatter.Writer, "sql:    %s\n", out.SQL)
	if len(out.Params) > 0 {
		fmt.Fprintf(formatter.Writer, "params: %v\n", out.Params)
	}
	return nil
}
