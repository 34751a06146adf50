// Package query provides the declarative query model shared by the data
// sets, the stores, and the adapters.
//
// A Query is evaluated two ways:
//   - Remotely, rendered as an OData v2 query string by ToQueryString
//   - Locally, applied to any slice of Records by Apply
//
// Both evaluations must agree. Filters fold strictly left to right: the
// combinator token between two filters applies to the next filter only,
// with no operator precedence. The wire rendering adds parentheses where
// OData precedence would otherwise regroup the fold.
//
// Clause is a sealed interface. Only Filter, FunctionFilter, Group and
// Combinator implement it, so type switches over clauses are exhaustive.
package query
