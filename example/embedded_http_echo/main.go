package main

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/loykin/vigil"
)

// embedded_http_echo: mount the supervisor control API inside an existing
// echo application, next to the application's own routes.
func main() {
	sup := vigil.NewSupervisor()
	defer sup.Shutdown()

	base := os.Getenv("API_BASE")
	if base == "" {
		base = "/vigil"
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "my application\n")
	})

	// Everything under base, plus the root probe endpoints, is served by
	// the embedded control API.
	api := echo.WrapHandler(vigil.NewHandler(base, sup))
	e.Any(base, api)
	e.Any(base+"/*", api)
	e.GET("/live", api)
	e.GET("/ready", api)
	e.GET("/metrics", api)

	log.Println("starting echo server on :8081 with control API under", base)
	if err := e.Start("127.0.0.1:8081"); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
