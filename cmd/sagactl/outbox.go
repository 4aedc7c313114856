package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/urfave/cli/v3"

	"github.com/fortressi/saga/outbox"
	"github.com/fortressi/saga/permitrenewal"
)

var outboxCmd = &cli.Command{
	Name:  "outbox",
	Usage: "Inspect and relay outbox messages",
	Commands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List outbox messages",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Usage: "pending, leased, delivered or dead; empty lists all"},
				&cli.IntFlag{Name: "limit", Value: 100},
			},
			Action: withRuntime(listOutboxAction),
		},
		{
			Name:  "relay",
			Usage: "Deliver pending messages to an in-process watermill subscriber",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "once", Usage: "Run a single relay pass and exit"},
				&cli.StringFlag{Name: "topic-prefix", Value: "saga."},
			},
			Action: withRuntime(relayAction),
		},
	},
}

func listOutboxAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	messages, err := rt.store.List(ctx, outbox.Status(cmd.String("status")), cmd.Int("limit"))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tAGGREGATE\tSTATUS\tATTEMPTS\tCREATED")
	for _, msg := range messages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			msg.ID, msg.EventName, msg.AggregateID, msg.Status, msg.AttemptCount,
			msg.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// relayTopics are the event names the relay subscriber listens for.
var relayTopics = []string{
	permitrenewal.EventRenewalRequested,
	permitrenewal.EventRenewalApproved,
	permitrenewal.EventRenewalReverted,
	permitrenewal.EventRenewalWithdrawn,
}

func relayAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(rt.cfg.Relay.BatchSize),
		BlockPublishUntilSubscriberAck: true,
		PreserveContext:                true,
	}, watermill.NewSlogLogger(rt.logger.WithGroup("watermill")))
	defer pubSub.Close()

	sink, err := outbox.NewWatermillSink(pubSub, cmd.String("topic-prefix"))
	if err != nil {
		return err
	}

	subCtx, stopSubscribers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopSubscribers()
		wg.Wait()
	}()

	var mu sync.Mutex
	for _, name := range relayTopics {
		messages, err := pubSub.Subscribe(subCtx, sink.Topic(name))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			printDeliveries(rt.out, &mu, messages)
		}()
	}

	relay, err := outbox.NewRelay(rt.store, sink,
		outbox.WithBatchSize(rt.cfg.Relay.BatchSize),
		outbox.WithMaxAttempts(rt.cfg.Relay.MaxAttempts),
		outbox.WithLeaseTTL(time.Duration(rt.cfg.Relay.LeaseTTL)),
		outbox.WithPollInterval(time.Duration(rt.cfg.Relay.Interval)),
		outbox.WithRelayLogHandler(rt.handler),
		outbox.WithRelayTracerProvider(rt.tracer),
	)
	if err != nil {
		return err
	}

	if !cmd.Bool("once") {
		return relay.Run(ctx)
	}

	report, err := relay.RunOnce(ctx)
	if err != nil {
		return err
	}
	mu.Lock()
	fmt.Fprintf(rt.out, "relayed: leased=%d delivered=%d retried=%d dead=%d\n",
		report.Leased, report.Delivered, report.Retried, report.Dead)
	mu.Unlock()
	return nil
}

func printDeliveries(w io.Writer, mu *sync.Mutex, messages <-chan *message.Message) {
	for msg := range messages {
		event, err := outbox.DecodeWatermillMessage(msg)
		mu.Lock()
		if err != nil {
			fmt.Fprintf(w, "undecodable message %s: %v\n", msg.UUID, err)
		} else {
			fmt.Fprintf(w, "delivered %s %s aggregate=%s org=%s\n",
				event.ID, event.Name, event.AggregateID, event.OrganizationID)
		}
		mu.Unlock()
		msg.Ack()
	}
}
