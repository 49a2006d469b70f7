package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/nesting_backend/app"
	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"github.com/sirupsen/logrus"
)

// event-worker consumes the event queue through a pull subscription instead of the push endpoint.
// Use it where the service cannot be reached by push delivery (local runs, private networks).
func main() {
	subName := flag.String("subscription", config.EventSubscriptionName(), "Pub/Sub subscription to pull from")
	create := flag.Bool("create", false, "Create the topic and subscription when missing")
	maxOutstanding := flag.Int("max-outstanding", 10, "Max unacked messages held at once")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(ctx)
	}
	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wiring failed:", err)
		os.Exit(1)
	}
	defer a.Close()

	client, err := config.GetClient(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pubsub client:", err)
		os.Exit(1)
	}
	sub := client.Subscription(*subName)
	if *create {
		topic, err := config.CreateTopicIfNotExists(ctx, client, config.EventTopicName())
		if err != nil {
			fmt.Fprintln(os.Stderr, "create topic:", err)
			os.Exit(1)
		}
		if sub, err = config.CreateSubscriptionIfNotExists(ctx, client, *subName, topic); err != nil {
			fmt.Fprintln(os.Stderr, "create subscription:", err)
			os.Exit(1)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = *maxOutstanding

	logger.WithFields(logrus.Fields{"field": "event-worker", "subscription": *subName}).Info("receiving")
	if err := a.Consumer.Receive(ctx, sub); err != nil && ctx.Err() == nil {
		config.LogError(logger, "event-worker", "main", "receiving", *subName, err)
		os.Exit(1)
	}
}
