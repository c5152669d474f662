package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/vigil"
)

// embedded_supervisor: start an agent process through the public facade,
// inspect its status and stop it again. Uses an in-memory registry; the CLI
// adds a persistent one so state survives across invocations.
func main() {
	sup := vigil.NewSupervisor()
	defer sup.Shutdown()

	spec := vigil.Spec{
		Name:    "embedded-demo",
		Command: "sh -c 'while true; do sleep 1; done'",
		Mode:    "development",
	}

	ctx := context.Background()
	if err := sup.Start(ctx, spec, vigil.StartOptions{}); err != nil {
		panic(err)
	}

	st, err := sup.Status(ctx, spec.Name)
	if err != nil {
		panic(err)
	}
	b, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(b))

	ok, err := sup.Stop(ctx, spec.Name, false, 3*time.Second)
	fmt.Printf("stopped=%v err=%v\n", ok, err)
}
