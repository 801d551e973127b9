// Package sinks contains signals.Sink implementations.
package sinks
