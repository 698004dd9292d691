// Package main runs the bridge between Universal Robots controllers and downstream clients.
package main

import (
	"go.viam.com/utils"

	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/web/server"
)

var logger = logging.NewLogger("urbridge")

func main() {
	utils.ContextualMain(server.RunServer, logger)
}
