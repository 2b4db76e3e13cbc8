package testutil

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/zhejian/url-shortener/internal/infra"
)

// TestBroker holds test RabbitMQ resources
type TestBroker struct {
	Conn      *amqp.Connection
	URL       string
	container *rabbitmq.RabbitMQContainer
}

// SetupTestBroker creates a new test RabbitMQ container
func SetupTestBroker(ctx context.Context) (*TestBroker, error) {
	container, err := rabbitmq.Run(ctx,
		"rabbitmq:4-management-alpine",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
	)
	if err != nil {
		return nil, err
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	conn, err := infra.NewBrokerConnection(ctx, url)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	return &TestBroker{Conn: conn, URL: url, container: container}, nil
}

// Purge drops all messages from the given queues, ignoring queues that do not exist yet.
func (t *TestBroker) Purge(queues ...string) {
	if t == nil || t.Conn == nil {
		return
	}
	for _, q := range queues {
		ch, err := t.Conn.Channel()
		if err != nil {
			return
		}
		_, _ = ch.QueuePurge(q, false)
		ch.Close()
	}
}

// DropConnections makes the broker force-close every client connection, as
// it does when a node restarts. Conn is re-dialed afterwards.
func (t *TestBroker) DropConnections(ctx context.Context) error {
	code, _, err := t.container.Exec(ctx, []string{"rabbitmqctl", "close_all_connections", "dropped by test"})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("rabbitmqctl close_all_connections exited with %d", code)
	}

	conn, err := infra.NewBrokerConnection(ctx, t.URL)
	if err != nil {
		return err
	}
	t.Conn = conn
	return nil
}

// Teardown closes connections and terminates container
func (t *TestBroker) Teardown(ctx context.Context) {
	if t.Conn != nil {
		t.Conn.Close()
	}
	if t.container != nil {
		if err := t.container.Terminate(ctx); err != nil {
			return
		}
	}
}
