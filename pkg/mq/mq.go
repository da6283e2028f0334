package mq

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"

	"treefuzz/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConnectionPoolSize = 2
)

type RabbitMQ interface {
	GetChannel() (*amqp.Channel, error)
	// DeclareQueue declares a durable queue.
	DeclareQueue(name string) error
	// PublishJSON encodes v and publishes it as a persistent message to queue.
	PublishJSON(ctx context.Context, queue string, v any) error
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context
	connections []*MQConnection
	mu          sync.Mutex
}

type MQConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns nil when no broker is configured.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		return nil
	}
	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger.Named("mq"),
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
		connections: make([]*MQConnection, 0, ConnectionPoolSize),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.logger.Debug("Initializing RabbitMQ connection pool", zap.Int("pool_size", ConnectionPoolSize))
			for range ConnectionPoolSize {
				mConn, err := svc.newMQConnection()
				if err != nil {
					svc.logger.Error("Failed to create initial RabbitMQ connection", zap.Error(err))
					return err
				}
				svc.mu.Lock()
				svc.connections = append(svc.connections, mConn)
				svc.mu.Unlock()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return svc
}

func (r *rabbitMQImpl) getActiveConnection() (*MQConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*MQConnection, 0, len(r.connections))
	for _, c := range r.connections {
		c.mu.Lock()
		if !c.closed {
			candidates = append(candidates, c)
		}
		c.mu.Unlock()
	}

	// Replenish pool if the number of active connections is below the pool size
	if len(candidates) < ConnectionPoolSize {
		needed := ConnectionPoolSize - len(candidates)
		r.logger.Debug("Refilling RabbitMQ connection pool", zap.Int("needed", needed))
		for range needed {
			mConn, err := r.newMQConnection()
			if err != nil {
				r.logger.Error("Failed to create new RabbitMQ connection", zap.Error(err))
				continue
			}
			candidates = append(candidates, mConn)
		}
		r.connections = candidates
	}

	if len(candidates) == 0 {
		return nil, errors.New("no active RabbitMQ connections")
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (r *rabbitMQImpl) newMQConnection() (*MQConnection, error) {
	conn, err := amqp.Dial(r.rabbitmqUrl)
	if err != nil {
		return nil, err
	}

	mConn := &MQConnection{
		conn:      conn,
		closeChan: make(chan *amqp.Error, 1),
		logger:    r.logger,
	}
	go mConn.monitor(r.context)
	return mConn, nil
}

// monitor the connection. This function is blocking and is intended to be called in a go routine.
func (c *MQConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	case <-ctx.Done():
	}

	c.conn.Close()
}

func (r *rabbitMQImpl) GetChannel() (*amqp.Channel, error) {
	conn, err := r.getActiveConnection()
	if err != nil {
		return nil, err
	}
	return conn.conn.Channel()
}

func (r *rabbitMQImpl) DeclareQueue(name string) error {
	channel, err := r.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()
	_, err = channel.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

func (r *rabbitMQImpl) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	channel, err := r.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()
	return channel.PublishWithContext(ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}
