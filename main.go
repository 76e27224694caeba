package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"xuiportal/app"
	"xuiportal/common"
)

func main() {
	cfg := common.LoadConfig()

	portal, err := app.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("APP: Ошибка инициализации: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := portal.Run(ctx); err != nil {
		log.Printf("APP: %v", err)
		os.Exit(1)
	}
}
