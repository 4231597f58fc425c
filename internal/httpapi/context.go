package httpapi

import "context"

// serverBaseCtx is canceled on process shutdown so long-lived handlers
// (/chat waits, /events streams) return promptly.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level context; nil resets to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// requestContext joins the request context with the server base context.
// The returned cancel func releases the watcher goroutine.
func requestContext(req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(serverBaseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
