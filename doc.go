// Package quasar is a batch export pipeline: it streams an interval of a
// source dataset (Postgres tables, staged Parquet objects) through a
// formatting stage (JSONL, Parquet, delimited text, SQL statements) into
// a destination (S3, GCS, Snowflake, Postgres), with resumable
// checkpointing and a consumer pool that sizes itself against a time
// budget.
//
// The pipeline is a producer/consumer pair joined by a byte-bounded
// queue: the producer reads record batches for the remaining intervals
// of a run, consumers drain the queue through per-consumer transformers
// into per-consumer sinks. See internal/pipeline for orchestration,
// pkg/source and pkg/sink for the endpoints, and cmd/quasar for the CLI.
package quasar
