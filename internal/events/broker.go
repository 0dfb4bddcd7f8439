package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"Mosaic-Protocol/pkg/logger"
)

const publishTimeout = 2 * time.Second

// RedisSink 通过 PUBLISH 把事件广播到 Redis 频道。
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisSink 创建 Redis 投递通道，client 由调用方管理生命周期。
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "mosaic:events"
	}
	return &RedisSink{client: client, channel: channel, log: logger.Named("events.redis")}
}

// Emit 实现 Sink。
func (s *RedisSink) Emit(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("事件序列化失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.Warn("事件发布失败", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
}

// RabbitMQSink 把事件发布到 fanout 交换机。
type RabbitMQSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *slog.Logger
}

// NewRabbitMQSink 连接 RabbitMQ 并声明事件交换机。
func NewRabbitMQSink(url, exchange string) (*RabbitMQSink, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url 不能为空")
	}
	if exchange == "" {
		exchange = "mosaic.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ 通道失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明事件交换机失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, channel: ch, exchange: exchange, log: logger.Named("events.rabbitmq")}, nil
}

// Emit 实现 Sink。
func (s *RabbitMQSink) Emit(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("事件序列化失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err = s.channel.PublishWithContext(ctx, s.exchange, string(evt.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   evt.Timestamp,
		Type:        string(evt.Type),
		Body:        payload,
	})
	if err != nil {
		s.log.Warn("事件发布失败", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
}

// Close 关闭通道与连接。
func (s *RabbitMQSink) Close() error {
	if err := s.channel.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// NATSStream 是事件持久化使用的 JetStream 流名。
const NATSStream = "MOSAIC_EVENTS"

// NATSSink 把事件发布到 JetStream，主题为 "<prefix>.<事件类型>"。
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    *slog.Logger
}

// NewNATSSink 连接 NATS 并确保事件流存在。
func NewNATSSink(ctx context.Context, url, prefix string) (*NATSSink, error) {
	if prefix == "" {
		prefix = "mosaic.events"
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("初始化 JetStream 失败: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     NATSStream,
		Subjects: []string{prefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("创建事件流失败: %w", err)
	}
	return &NATSSink{nc: nc, js: js, prefix: prefix, log: logger.Named("events.nats")}, nil
}

// Subject 返回事件类型对应的主题。
func (s *NATSSink) Subject(typ Type) string {
	return s.prefix + "." + strings.NewReplacer(":", ".", "_", "-").Replace(string(typ))
}

// Emit 实现 Sink。
func (s *NATSSink) Emit(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("事件序列化失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := s.js.Publish(ctx, s.Subject(evt.Type), payload); err != nil {
		s.log.Warn("事件发布失败", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
}

// Close 排空并关闭连接。
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
