// Package protocol implements the Redis Serialization Protocol (RESP)
// for encoding commands and decoding server replies.
//
// This package provides a streaming reader that is memory-efficient and
// tolerant of replies arriving fragmented across many socket reads, and
// a buffered writer that frames every command as an array of bulk
// strings so binary-safe arguments round-trip losslessly.
//
// Basic usage:
//
//	reader := protocol.NewReader(conn)
//	writer := protocol.NewWriter(conn)
//
//	writer.WriteCommand("GET", "key")
//	writer.Flush()
//
//	value, err := reader.ReadNext()
//	if err != nil {
//		// transport or protocol failure
//	}
//	// value is a tagged Value: status, error, integer, bulk, array or null
//
// The package supports all RESP2 data types:
//   - Simple Strings
//   - Errors
//   - Integers
//   - Bulk Strings (binary safe, $-1 is null)
//   - Arrays (recursive, *-1 is null)
//
// It also classifies pub/sub push frames ("message", "subscribe",
// "unsubscribe") received on a subscribed connection, see Value.PushKind.
package protocol
