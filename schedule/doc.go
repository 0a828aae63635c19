// Package schedule parses DAG schedule expressions and computes due logical
// dates. Expressions are standard five-field cron or the "@every <duration>"
// descriptor, both handled by robfig/cron.
package schedule
