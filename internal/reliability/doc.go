// Package reliability retries RPC calls that failed for transient broker
// reasons.
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3)
//	err := reliability.Retry(ctx, policy, func(ctx context.Context) error {
//	    _, err := client.Invoke(ctx, "server-queue", "hello", "mo")
//	    return err
//	})
package reliability
