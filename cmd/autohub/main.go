package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	"autohub/internal/app"
	"autohub/internal/config"
	"autohub/internal/logger"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()
	path := *cfgPath
	if path == "" {
		path = os.Getenv("AUTOHUB_CONFIG")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	if cfg.Log.Path != "" {
		f, ferr := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			log.Fatalf("打开日志文件失败: %v", ferr)
		}
		defer f.Close()
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	logger.Infof("✓ 配置加载成功 (listen=%s, store=%s)", cfg.Server.Listen, cfg.Store.Path)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}
