package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v2"

	"interbus/kernel"
	"interbus/queue"
	"interbus/remote"
)

// Config 是守护进程的 YAML 配置。除监听地址外都可省略，
// 省略的项对应能力不启用。
type Config struct {
	// Listen 桥接服务的监听地址
	Listen string `yaml:"listen"`
	// MetricsListen 指标端点的监听地址，空则不启用指标
	MetricsListen string `yaml:"metrics_listen"`
	// JournalDir 投递日志目录，空则不启用日志
	JournalDir string `yaml:"journal_dir"`
	// EmitRate 内核每秒放行的发射数，0 表示不限速
	EmitRate int64 `yaml:"emit_rate"`
	// EmitBurst 限速的突发额度，0 则取 EmitRate
	EmitBurst int64 `yaml:"emit_burst"`
	// QueueCapacity 单进程队列的容量上限，0 表示无界
	QueueCapacity uint64 `yaml:"queue_capacity"`
	// QueueDropNewest 队列满时丢弃新消息而不是拒绝发射方
	QueueDropNewest bool `yaml:"queue_drop_newest"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", ":50051", "bridge listen address")
	flag.Parse()

	cfg := Config{Listen: *listen}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("parse config: %v", err)
		}
		if cfg.Listen == "" {
			cfg.Listen = *listen
		}
	}

	k := kernel.New()
	if cfg.QueueCapacity > 0 {
		policy := queue.OverflowReject
		if cfg.QueueDropNewest {
			policy = queue.OverflowDropNewest
		}
		k.SetQueueOptions(queue.Options{Capacity: cfg.QueueCapacity, Policy: policy})
	}
	if cfg.EmitRate > 0 {
		k.EnableRateLimit(cfg.EmitRate, cfg.EmitBurst)
	}
	if cfg.JournalDir != "" {
		if err := k.EnableJournal(cfg.JournalDir); err != nil {
			log.Fatalf("enable journal: %v", err)
		}
		log.Printf("journal enabled under %s", cfg.JournalDir)
	}
	if cfg.MetricsListen != "" {
		if err := k.EnableMetrics(cfg.MetricsListen); err != nil {
			log.Fatalf("enable metrics: %v", err)
		}
		log.Printf("metrics exposed on %s/metrics", cfg.MetricsListen)
	}

	s, err := remote.NewServer(k, cfg.Listen)
	if err != nil {
		log.Fatalf("start bridge: %v", err)
	}
	log.Printf("bus bridge listening on %s", s.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	s.Stop()
	k.Close()
	log.Println("bus stopped")
}
