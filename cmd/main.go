package main

import (
	"fmt"
	"os"

	"github.com/rob634/rmhgeoapi/internal/app"
	"github.com/rob634/rmhgeoapi/internal/platform/envutil"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	runServer := envutil.Bool("RUN_SERVER", true)
	runWorker := envutil.Bool("RUN_WORKER", true)
	runJanitor := envutil.Bool("RUN_JANITOR", true)

	a.Start(runWorker, runJanitor)

	if runServer {
		a.Log.Info("server starting", "port", a.Cfg.Port)
		if err := a.Run(":" + a.Cfg.Port); err != nil {
			a.Log.Warn("server stopped", "error", err)
		}
		return
	}

	select {}
}
