// Package sinks implements concrete run-event consumers such as structured
// logging and Prometheus counters. Each sink satisfies the events.Sink
// interface and is safe for repeated Consume/Close cycles.
package sinks
