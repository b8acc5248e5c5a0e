package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fisaks/algodomo/internal/api"
	"github.com/fisaks/algodomo/internal/catalog"
	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/gateway"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/messaging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("ALGODOMO_CONFIG", "/etc/algodomo/config.json")

	logging.Init()
	cfg, err := config.LoadGatewayConfig(path)
	if err != nil {
		logging.Fatal("Gateway config error", "path", path, "error", err)
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		cfg.MQTT.URL = url
		cfg.MQTT.Enabled = true
	}

	logging.Info("Loaded config",
		"bus", cfg.Bus.Name,
		"dialect", cfg.Bus.Dialect,
		"boards", len(cfg.Boards),
		"pollMs", cfg.Poll.IntervalMs,
	)

	opener, err := gateway.OpenerFor(cfg.Bus)
	if err != nil {
		logging.Fatal("Bus setup", "error", err)
	}
	gw, err := gateway.New(cfg, opener)
	if err != nil {
		logging.Fatal("Gateway init", "error", err)
	}

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := api.NewServer(gw, cfg.HTTP.APIToken)
		if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
			logging.Error("HTTP server stopped", "listen", cfg.HTTP.Listen, "error", err)
		}
	}()

	if cfg.MQTT.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMQTT(ctx, gw, cfg.MQTT)
		}()
	}

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	cancel()
	wg.Wait()
	logging.Info("bye")
}

// runMQTT keeps trying the first connect; paho reconnects on its own after
// that.
func runMQTT(ctx context.Context, gw *gateway.Gateway, mc config.MQTTConfig) {
	broker := messaging.NewMsgBroker(messaging.BrokerConfig{
		BrokerURL:        mc.URL,
		ClientID:         mc.ClientID,
		Username:         mc.Username,
		Password:         mc.Password,
		TopicPrefix:      mc.BaseTopic,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	})
	bridge := messaging.NewBridge(broker, gw, mc)
	broker.SetWill(bridge.StatusTopic(), "offline")
	broker.AddOnConnectPublisher("catalog", catalog.New(gw.Config, broker.Topic("catalog")).OnConnectPublish)
	bridge.Register()

	wait := time.Second
	for {
		err := broker.Connect(ctx)
		if err == nil {
			break
		}
		logging.Warn("MQTT connect failed", "broker", mc.URL, "retryIn", wait, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, 30*time.Second)
	}

	if err := bridge.Run(ctx); err != nil {
		logging.Error("MQTT bridge stopped", "error", err)
	}
	closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	_ = broker.Close(closeCtx)
}
