// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package broker abstracts the publish/subscribe transport DRONE agents
// use to exchange vote batches, application advertisements, resource
// updates and solutions: a topic-exchange AMQP implementation for real
// deployments, and an in-process implementation for tests and the
// single-process CLI harness.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker that has been closed.
var ErrClosed = errors.New("broker: closed")

// Delivery is one message received from a subscription.
type Delivery struct {
	RoutingKey string
	Body       []byte
}

// Broker is the transport DRONE's agent runtime depends on. Publish
// sends one message under routingKey on the shared exchange; Subscribe
// opens (or reopens) this node's own durable queue, bound to the given
// routing keys, and returns a channel of deliveries that is closed when
// the subscription ends. FreshConnection returns a short-lived Broker
// for one-shot broadcasts, opening a dedicated connection per outgoing
// batch rather than holding a single connection open for both
// directions.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Subscribe(ctx context.Context, queue string, routingKeys []string) (<-chan Delivery, error)
	FreshConnection(ctx context.Context) (Broker, error)
	Close() error
}
