package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Subscribe consumes status events matching subject (e.g. "payments.*" or
// "payments.<record_id>") with an ephemeral consumer and calls handle for
// each one until ctx is done. Messages that fail to decode are acked and
// skipped.
func Subscribe(ctx context.Context, natsURL, subject string, deliverAll bool, handle func(*StatusEvent)) error {
	nc, err := Connect(natsURL, "campuspay-subscriber")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	policy := jetstream.DeliverNewPolicy
	if deliverAll {
		policy = jetstream.DeliverAllPolicy
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     policy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event StatusEvent
		if err := json.Unmarshal(msg.Data(), &event); err == nil {
			handle(&event)
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}
