package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pressly/goose/v3"
	"github.com/yanun0323/logs"

	"otcmarket/internal/ops"
	"otcmarket/internal/storage/migrations"
	"otcmarket/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	flag.Usage = func() {
		log.Printf("usage: migrate [-config path] up|up-by-one|down|redo|status|version")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := conn.New(cfg.PostgresOption())
	if err != nil {
		log.Fatalf("postgres connect failed: %+v", err)
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Ping(ctx); err != nil {
		log.Fatalf("postgres ping failed: %+v", err)
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		log.Fatalf("postgres handle failed: %+v", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("goose dialect failed: %+v", err)
	}

	logs.Infof("running migrations: %s", command)
	if err := goose.RunContext(ctx, command, sqlDB, ".", flag.Args()[min(1, flag.NArg()):]...); err != nil {
		log.Fatalf("goose %s failed: %+v", command, err)
	}
	logs.Infof("migrations %s done", command)
}
