package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvuslabs/tunstack/config"
	"github.com/corvuslabs/tunstack/lib"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	listenIP := flag.String("listenIP", "", "Local IP address to accept connections on (overrides config)")
	port := flag.Int("port", 0, "Local port to accept connections on (overrides config)")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	cfg := config.AppConfig
	if *listenIP != "" {
		cfg.ListenIP = *listenIP
	}
	if *port != 0 {
		cfg.ListenPort = uint16(*port)
	}

	tun, err := lib.OpenTun(cfg.TunName, cfg.PacketInfo)
	if err != nil {
		log.Fatalln("Error opening TUN device:", err)
	}
	if err := tun.ConfigureAddress(cfg.TunAddress); err != nil {
		log.Fatalln("Error configuring TUN device:", err)
	}
	log.Printf("TUN device %s up at %s", tun.Name(), cfg.TunAddress)

	stackConfig := &lib.StackConfig{
		TunOffset:            tun.Offset(),
		MTU:                  cfg.MTU,
		FramePoolSize:        cfg.FramePoolSize,
		VerifyChecksums:      cfg.VerifyChecksums,
		Debug:                cfg.Debug,
		PoolDebug:            cfg.PoolDebug,
		ProcessTimeThreshold: cfg.ProcessTimeThreshold,
		ClientPortLower:      uint16(cfg.ClientPortLower),
		ClientPortUpper:      uint16(cfg.ClientPortUpper),
		SweepInterval:        time.Second,
		ConnConfig: &lib.ConnectionConfig{
			InitSendSeqNumber: cfg.InitialSeqNumber,
			WindowSize:        cfg.WindowSize,
			TTL:               cfg.TTL,
			IdleTimeout:       time.Duration(cfg.IdleTimeoutSecs) * time.Second,
			MSL:               time.Duration(cfg.MslSecs) * time.Second,
			Debug:             cfg.Debug,
		},
	}

	stack, err := lib.NewTcpStack(stackConfig, tun)
	if err != nil {
		log.Fatalln("Error creating TCP stack:", err)
	}

	if err := stack.Listen(cfg.ListenIP, cfg.ListenPort); err != nil {
		log.Fatalln("Listen error:", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received %s, shutting down", sig)
		stack.Close()
	}()

	if err := stack.Run(); err != nil {
		log.Fatalln("Stack terminated:", err)
	}
	log.Println("Stack stopped.")
}
