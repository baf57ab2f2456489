package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request with a context deadline and answers
// 504 when the handler has not finished in time. The handler runs on its own
// echo.Context whose writes are dropped once the deadline has passed, so a
// late handler never touches the response the middleware returned.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			req := c.Request().WithContext(ctx)
			c.SetRequest(req)

			tw := &timeoutWriter{w: c.Response(), h: c.Response().Header().Clone()}
			hc := handlerContext(c, req, tw)

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("panic: %v", r)
					}
				}()
				done <- next(hc)
			}()

			select {
			case err := <-done:
				if err != nil && timedOut(ctx) && !c.Response().Committed {
					return errTimeout()
				}
				return err
			case <-ctx.Done():
				if tw.expire() {
					return nil
				}
				if timedOut(ctx) {
					return errTimeout()
				}
				return ctx.Err()
			}
		}
	}
}

// handlerContext copies what routing and earlier middleware put on c.
func handlerContext(c echo.Context, req *http.Request, w http.ResponseWriter) echo.Context {
	hc := c.Echo().NewContext(req, w)
	hc.SetPath(c.Path())
	hc.SetParamNames(c.ParamNames()...)
	hc.SetParamValues(c.ParamValues()...)
	if rid := c.Get("request_id"); rid != nil {
		hc.Set("request_id", rid)
	}
	return hc
}

// timeoutWriter forwards handler output to w until expire is called.
// Headers are buffered in h and copied when the status is written.
type timeoutWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	h           http.Header
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	tw.writeHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.writeHeader(http.StatusOK)
	return tw.w.Write(b)
}

func (tw *timeoutWriter) writeHeader(code int) {
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	dst := tw.w.Header()
	for k, v := range tw.h {
		dst[k] = append([]string(nil), v...)
	}
	tw.w.WriteHeader(code)
}

// expire stops forwarding and reports whether the handler had already
// started the response.
func (tw *timeoutWriter) expire() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true
	return tw.wroteHeader
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func errTimeout() error {
	return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
}
