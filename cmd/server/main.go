package main

import (
	"github.com/topiary-ai/topiary/internal/server"
	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
