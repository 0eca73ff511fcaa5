// Package api defines the public data model and contracts of the stagehand
// pipeline engine: pipelines, stages, sessions, providers, retry policies,
// quality gates, lifecycle events and the Executor interface.
//
// Most applications import the root stagehand package, which re-exports the
// types defined here together with convenient constructors. Package api exists
// so that internal packages (executor, persistence, eventbus) can share the
// model without import cycles.
package api
