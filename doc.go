// Package rediscope provides a wire-level Redis client built for
// interactive inspection tools.
//
// The client speaks RESP directly over a single TCP, TLS or
// SSH-tunneled connection, pipelines commands with strict FIFO reply
// correlation, and keeps pub/sub traffic on a dedicated socket so
// subscriptions can never desynchronize the command stream.
//
// Basic usage:
//
//	client, err := rediscope.New(
//		rediscope.WithAddr("localhost:6379"),
//		rediscope.WithAuth("secret"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Destroy()
//
//	if err := client.Connect(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	res := client.Execute(context.Background(), `SET greeting "hello world"`)
//	fmt.Printf("ok=%v reply=%s took=%s\n", res.Ok, res.Value.String(), res.Duration)
//
// The library supports:
//
//   - Raw command lines with redis-cli quoting rules
//   - Pipelined batches with per-command results
//   - TLS with client certificates and custom CAs
//   - SSH tunneling with password or private key auth
//   - Pub/sub on a dedicated, lazily opened socket
//   - Connection state, error and close callbacks
//
// For more examples and advanced usage, see the examples/ directory.
package rediscope
