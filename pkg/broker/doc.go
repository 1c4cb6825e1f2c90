// Package broker defines the message broker contract used by the saga: keyed
// publish and at-least-once consumer-group subscription.
//
// MemoryBroker delivers synchronously and is meant for tests and single-process
// runs. The redisstream subpackage implements the contract on Redis Streams.
package broker
