package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/algodomo/internal/catalog"
	"github.com/fisaks/algodomo/internal/messaging"
)

// channelInfo labels state topics with what the catalog says they are.
type channelInfo struct {
	Entity string
	Name   string
	Room   string
}

var (
	labelsMu sync.RWMutex
	labels   = map[string]channelInfo{} // "<slug>/ch<N>" => info
)

func readCatalogMessage(payload []byte) (string, error) {
	var msg catalog.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	labelsMu.Lock()
	for _, b := range msg.Boards {
		slug := messaging.Slugify(b.ID)
		for _, ch := range b.Channels {
			labels[fmt.Sprintf("%s/ch%d", slug, ch.Channel)] = channelInfo{Entity: ch.Entity, Name: ch.Name, Room: ch.Room}
		}
	}
	labelsMu.Unlock()
	out, err := json.Marshal(msg)
	return string(out), err
}

// label finds the "<slug>/ch<N>" part of a topic below base.
func label(base, topic string) (channelInfo, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return channelInfo{}, false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return channelInfo{}, false
	}
	labelsMu.RLock()
	defer labelsMu.RUnlock()
	info, ok := labels[parts[0]+"/"+parts[1]]
	return info, ok
}

func main() {
	var broker, base string
	var discovery bool
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&base, "base", "algodomo", "bridge base topic")
	flag.BoolVar(&discovery, "discovery", false, "also print homeassistant/# discovery messages")
	flag.Parse()
	base = strings.Trim(base, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("algodomo-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		topic := msg.Topic()
		if topic == base+"/catalog" {
			line, err := readCatalogMessage(payload)
			if err != nil {
				fmt.Printf("%s %s (error: %v)\n", topic, string(payload), err)
				return
			}
			fmt.Printf("%s %s\n", topic, line)
			return
		}
		if info, ok := label(base, topic); ok {
			fmt.Printf("%s %s  [%s %q in %s]\n", topic, string(payload), info.Entity, info.Name, info.Room)
			return
		}
		fmt.Printf("%s %s\n", topic, string(payload))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	topics := []string{base + "/#"}
	if discovery {
		topics = append(topics, "homeassistant/#")
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, strings.Join(topics, ", "))

	for _, t := range topics {
		if token := client.Subscribe(t, 0, nil); token.Wait() && token.Error() != nil {
			log.Fatal(token.Error())
		}
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
