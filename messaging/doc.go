// Package messaging dispatches inbound JSON-RPC requests to application
// handlers.
//
// A Dispatcher maps method names to Handlers and runs each call through a
// middleware chain. Provided middleware:
//   - LoggingMiddleware: logs method, id, duration and failures via slog
//   - RateLimitMiddleware: token-bucket limiting backed by golang.org/x/time/rate
//
// Example usage:
//
//	dispatcher := messaging.NewDispatcher(
//		messaging.WithMiddleware(messaging.LoggingMiddleware(logger)),
//	)
//	dispatcher.RegisterFunc("hello", func(ctx context.Context, req *contracts.Request) (interface{}, error) {
//		var name string
//		if err := req.Arg(0, &name); err != nil {
//			return nil, err
//		}
//		return "Hello " + name + "!", nil
//	})
package messaging
