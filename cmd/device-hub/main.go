package main

import (
	"context"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/api"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/config"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/event"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/relay"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/server"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/transport/httpdev"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/transport/serialdev"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/utils"
)

// newTransport picks the control channel and the address connect uses by default.
func newTransport(cfg config.DeviceConfig, hub *relay.Hub, timeout time.Duration) (device.Transport, string) {
	switch cfg.Transport {
	case "serial":
		return serialdev.New(serialdev.Options{
			Port:     cfg.SerialPort,
			BaudRate: cfg.BaudRate,
			Settle:   utils.ParseStringTimeOr(cfg.Settle, serialdev.DefaultSettle),
		}), cfg.SerialPort
	case "relay":
		return relay.NewTransport(hub), cfg.Address
	default:
		return httpdev.New(httpdev.Options{Client: &http.Client{Timeout: timeout}}), cfg.Address
	}
}

func openStore(cfg config.Config, cleaner *event.Cleaner) database.Store {
	if !cfg.Database.Enabled {
		logger.Info("Database disabled, journal kept in memory")
		return database.NewMemoryStore(database.DefaultMemoryLimit)
	}
	store, closeCallback, err := database.ConnectDatabase(context.Background(), cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
	}
	cleaner.Add(closeCallback)
	return store
}

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	timeout := utils.ParseStringTimeOr(cfg.Device.Timeout, device.DefaultTimeout)
	store := openStore(cfg, cleaner)
	recorder := database.NewRecorder(store, database.DefaultRecorderBuffer, utils.ParseStringTimeOr(cfg.Database.OperationTimeout, database.DefaultOperationTimeout))

	var session *device.Session
	hub := relay.NewHub(relay.Options{
		DeviceTag: cfg.Relay.DeviceTag,
		Fanout:    cfg.Relay.Fanout,
		OnDeviceChange: func(connected bool) {
			if cfg.Device.Transport != "relay" || session == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
			defer cancel()
			if !connected {
				session.Disconnect(ctx)
				return
			}
			if cfg.Device.AutoConnect {
				if err := session.Connect(ctx, cfg.Relay.DeviceTag); err != nil {
					logger.WarnF("[relay] Fail to attach session to device, details: %v", err)
				}
			}
		},
	})

	deviceCfg := cfg.Device
	if deviceCfg.Transport == "relay" {
		deviceCfg.Address = cfg.Relay.DeviceTag
	}
	transport, defaultAddress := newTransport(deviceCfg, hub, timeout)
	session = device.NewSession(transport,
		device.WithTimeout(timeout),
		device.WithListener(recorder.RecordStatus),
	)

	relayServer := server.NewServer(server.Options{
		Listen:         cfg.Relay.Listen,
		Path:           cfg.Relay.Path,
		MaxConnections: cfg.Relay.MaxConnections,
		ReadTimeout:    utils.ParseStringTime(cfg.Relay.ReadTimeout),
		WriteTimeout:   utils.ParseStringTime(cfg.Relay.WriteTimeout),
	}, hub)
	if err := relayServer.Start(); err != nil {
		logger.FatalF("Relay server start error: %v", err)
	}

	apiServer := api.NewServer(&api.Options{
		Address:              cfg.API.Listen,
		DisableReqLogs:       cfg.API.DisableReqLogs,
		Debug:                cfg.DebugMode,
		DefaultDeviceAddress: defaultAddress,
		Session:              session,
		Journal:              recorder,
		Store:                store,
		Relay:                hub,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.FatalF("API server start error: %v", err)
		}
	}()

	cleaner.Add(event.CallableFunc(apiServer.Stop))
	cleaner.Add(relayServer)
	cleaner.Add(session)
	cleaner.Add(recorder)

	if cfg.Device.AutoConnect && cfg.Device.Transport != "relay" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
		if err := session.Connect(ctx, defaultAddress); err != nil {
			logger.WarnF("[%s] Auto connect failed, details: %v", transport.Name(), err)
		}
		cancel()
	}

	logger.InfoF("%s started with %s transport", cfg.AppName, transport.Name())
	<-cleaner.Done()
}
