// Package httpapi exposes the runtime over HTTP with gin.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/convert"
	"github.com/zulandar/waypoint/internal/fault"
)

var validate = validator.New()

// Authenticator reports the agent a request is authenticated as, if any.
// Identity comes from the auth layer in front of the runtime.
type Authenticator interface {
	Authenticate(r *http.Request) (agentID string, ok bool)
}

// Deps are the components served by the API.
type Deps struct {
	Conductor *conductor.Conductor
	Converter *convert.Converter
	Auth      Authenticator
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{Deps: deps})
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Conductor == nil {
		return fmt.Errorf("httpapi: conductor is required")
	}
	if opts.Converter == nil {
		return fmt.Errorf("httpapi: converter is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Deps),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// respondError writes err as {"error": code, "message": text}.
func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// bind decodes the JSON body into v and validates it.
func bind(c *gin.Context, v any) error {
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(v); err != nil {
			return fmt.Errorf("decode body: %v: %w", err, fault.ErrInvalidInput)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%v: %w", err, fault.ErrInvalidInput)
	}
	return nil
}

// bindExact is bind for bodies whose free-form values must keep numbers as
// written, so 9007199254740993 is not rounded through float64.
func bindExact(c *gin.Context, v any) error {
	if c.Request.ContentLength != 0 {
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode body: %v: %w", err, fault.ErrInvalidInput)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%v: %w", err, fault.ErrInvalidInput)
	}
	return nil
}
