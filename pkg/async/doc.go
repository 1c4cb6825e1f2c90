// Package async provides panic-safe execution for handlers and background loops.
//
// # Overview
//
// Call runs a function with an optional timeout and turns a panic into a
// *PanicError so one bad message cannot take down a consumer. SafeGo runs a
// long-lived loop in a goroutine, logs its failure and signals completion.
//
// # Usage Example
//
//	done := async.SafeGo(ctx, logger, "redis consumer", func(ctx context.Context) error {
//		return consumer.Run(ctx)
//	})
//	<-done
//
// # Related Packages
//
//   - pkg/broker/redisstream: Consumer loops and per-message handler calls
//   - pkg/jobs: Panic-safe job ticks
package async
