package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/vigil"
)

// embedded_http_gin: expose the supervisor control API on a standalone HTTP
// server. Try:
//
//	curl -X POST localhost:8080/api/start -d '{"name":"demo","command":"sleep 30"}'
//	curl localhost:8080/api/status
//	curl localhost:8080/metrics
func main() {
	sup := vigil.NewSupervisor()
	defer sup.Shutdown()

	srv, err := vigil.NewHTTPServer("127.0.0.1:8080", "/api", sup)
	if err != nil {
		panic(err)
	}
	defer func() { _ = srv.Close() }()

	fmt.Println("control API listening on http://127.0.0.1:8080/api")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
