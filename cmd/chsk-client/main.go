package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/client"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/protocol"
)

type options struct {
	ConfigPath string   `short:"c" long:"config" env:"CHSK_CONFIG" default:"config.json" description:"Path to the JSON configuration file"`
	URL        string   `long:"url" env:"CHSK_URL" description:"Override client.url"`
	UID        string   `long:"uid" env:"CHSK_UID" description:"Override client.uid"`
	Subscribe  []string `short:"s" long:"subscribe" description:"Channel to subscribe to, repeatable"`
	Channel    string   `long:"channel" description:"Channel to publish to"`
	Publish    string   `long:"publish" description:"JSON payload to publish once connected"`
	Echo       bool     `long:"echo" description:"Answer RPC requests with their own payload"`
	Debug      bool     `long:"debug" env:"CHSK_DEBUG" description:"Enable verbose debug output"`
}

func main() {
	_ = godotenv.Load()
	var opts options
	if _, err := flags.ParseArgs(&opts, os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.ReadConfig(opts.ConfigPath)
	if err != nil && !errors.Is(err, config.ErrConfigCreated) {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	if opts.URL != "" {
		cfg.Client.URL = opts.URL
	}
	if opts.UID != "" {
		cfg.Client.UID = opts.UID
	}
	channels := append(cfg.Client.Channels, opts.Subscribe...)

	loggerCallback := logger.Init(logger.Options{Debug: opts.Debug || cfg.DebugMode, NoColor: cfg.Log.NoColor})
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(loggerCallback)

	var session *client.Session
	handlers := client.Handlers{
		OnStateChange: func(from, to client.Status) {
			logger.InfoF("Session %s -> %s", from, to)
			if to == client.StatusFailed {
				cleaner.Clean()
			}
		},
		OnMessage: func(msg protocol.ChannelMessage) {
			fmt.Printf("%s %s %s\n", msg.ChannelID, msg.MessageID, string(msg.Payload))
		},
		OnChannelDeleted: func(channelID string) {
			logger.WarnF("Channel %s deleted by the server", channelID)
		},
		OnRpcRequest: func(call protocol.RpcCall) {
			if !opts.Echo {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeoutDuration())
				defer cancel()
				if err := session.Respond(ctx, call.RequestID, call.Payload, ""); err != nil {
					logger.WarnF("Fail to answer %s, details: %v", call.RequestID, err)
				}
			}()
		},
		OnRpcResponse: func(resp protocol.RpcResponse) {
			fmt.Printf("rpc %s %s %s\n", resp.RequestID, string(resp.Payload), resp.Error)
		},
	}
	session = client.NewSession(client.ConfigFromClientConfig(cfg.Client), client.Options{Handlers: handlers})
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		session.Disconnect()
		return nil
	}))

	if err := session.Connect(); err != nil {
		logger.FatalF("Fail to connect, details: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}

	status, err := session.WaitFor(ctx, func(s client.Status) bool {
		return s == client.StatusOpen || s == client.StatusFailed
	})
	if err != nil || status != client.StatusOpen {
		logger.ErrorF("Session not open (%s), details: %v", status, err)
		cleaner.Clean()
		<-cleaner.Done()
		os.Exit(1)
	}

	for _, channelID := range channels {
		reply, err := session.Subscribe(ctx, channelID)
		if err != nil {
			logger.WarnF("Fail to subscribe to %s, details: %v", channelID, err)
			continue
		}
		logger.InfoF("Subscribed to %s, %d subscribers", channelID, reply.SubscriberCount)
		for _, msg := range reply.RetainedMessages {
			fmt.Printf("%s %s %s\n", msg.ChannelID, msg.MessageID, string(msg.Payload))
		}
	}

	if opts.Publish != "" {
		if !json.Valid([]byte(opts.Publish)) {
			logger.ErrorF("Publish payload is not valid JSON")
		} else if reply, err := session.Publish(ctx, opts.Channel, json.RawMessage(opts.Publish), false); err != nil {
			logger.ErrorF("Fail to publish to %s, details: %v", opts.Channel, err)
		} else {
			logger.InfoF("Published %s to %s, delivered to %d", reply.MessageID, opts.Channel, reply.DeliveredTo)
		}
	}

	<-cleaner.Done()
}
