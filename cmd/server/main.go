package main

import (
	"csr-rule-engine/internal/app/server"
	"csr-rule-engine/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel)
	server.Run(cfg)
}
