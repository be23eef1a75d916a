package supervisor

import (
	"context"
	"fmt"
	"time"

	"backend-trackmates/internal/events"
	"backend-trackmates/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/thejerf/suture/v4"
)

// ListenFunc starts app on addr and blocks until it stops.
type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

// HTTPService runs a fiber app as a supervised service. A listen error
// terminates the tree and is reported on Failed.
type HTTPService struct {
	app             *fiber.App
	addr            string
	listen          ListenFunc
	shutdownTimeout time.Duration
	failed          chan error
}

func NewHTTPService(app *fiber.App, addr string, listen ListenFunc, shutdownTimeout time.Duration) *HTTPService {
	if listen == nil {
		listen = defaultListen
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &HTTPService{
		app:             app,
		addr:            addr,
		listen:          listen,
		shutdownTimeout: shutdownTimeout,
		failed:          make(chan error, 1),
	}
}

func (h *HTTPService) Failed() <-chan error { return h.failed }

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.listen(h.app, h.addr)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			// shut down from outside the tree
			return suture.ErrDoNotRestart
		}
		select {
		case h.failed <- err:
		default:
		}
		return fmt.Errorf("http server failed: %w: %w", suture.ErrTerminateSupervisorTree, err)
	case <-ctx.Done():
		if err := h.app.ShutdownWithTimeout(h.shutdownTimeout); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// ForwardService streams engine events from the bus to websocket clients.
type ForwardService struct {
	hub    *stream.Hub
	bus    *events.Bus
	userOf func() string
}

func NewForwardService(hub *stream.Hub, bus *events.Bus, userOf func() string) *ForwardService {
	return &ForwardService{hub: hub, bus: bus, userOf: userOf}
}

func (f *ForwardService) Serve(ctx context.Context) error {
	sub, cancel := f.bus.Subscribe()
	defer cancel()
	f.hub.Forward(ctx, sub, f.userOf)
	return ctx.Err()
}

func (f *ForwardService) String() string { return "event-forwarder" }
