package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/panditbooking/booking/pkg/logger"
	commonredis "github.com/panditbooking/booking/pkg/redis"
	"github.com/panditbooking/booking/pkg/tracing"
)

// DefaultStream / DefaultExchange 通知通道名
const (
	DefaultStream   = "notifications"
	DefaultExchange = "notifications"
)

// StreamNotifier 写入 Redis Stream，由通知服务消费
type StreamNotifier struct {
	stream *commonredis.StreamClient
	name   string
}

func NewStreamNotifier(stream *commonredis.StreamClient, name string) *StreamNotifier {
	if name == "" {
		name = DefaultStream
	}
	return &StreamNotifier{stream: stream, name: name}
}

func (s *StreamNotifier) Notify(ctx context.Context, n Notification) error {
	msg, err := Envelope(n)
	if err != nil {
		return err
	}
	if _, err := s.stream.Publish(ctx, s.name, msg, headers(n, tracing.StreamFields(ctx))); err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind(), err)
	}
	return nil
}

// amqpPublisher *amqp.Channel 的发布方法
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// amqpSession 一条连接上的发布通道；closed 在连接或通道断开时触发
type amqpSession struct {
	ch     amqpPublisher
	closed <-chan *amqp.Error
	close  func() error
}

func (s *amqpSession) alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// AMQPNotifier 发布到 RabbitMQ topic exchange，routing key 为模板 key。
// broker 断开后下一次发布重新建连，失败的那次交给 outbox 重试。
type AMQPNotifier struct {
	mu       sync.Mutex
	sess     *amqpSession
	dial     func() (*amqpSession, error)
	exchange string
	log      *logger.Logger
}

// DialAMQP 连接并声明 exchange；首次连接失败直接返回错误
func DialAMQP(url, exchange string, log *logger.Logger) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	a := &AMQPNotifier{exchange: exchange, log: log, dial: func() (*amqpSession, error) {
		return dialSession(url, exchange)
	}}
	sess, err := a.dial()
	if err != nil {
		return nil, err
	}
	a.sess = sess
	return a, nil
}

func dialSession(url, exchange string) (*amqpSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &amqpSession{
		ch:     ch,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		close: func() error {
			_ = ch.Close()
			return conn.Close()
		},
	}, nil
}

// NewAMQPNotifier 使用现成通道，不重连
func NewAMQPNotifier(ch amqpPublisher, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{sess: &amqpSession{ch: ch}, exchange: exchange}
}

// session 返回可用的会话，已断开时重新建连
func (a *AMQPNotifier) session() (*amqpSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil && a.sess.alive() {
		return a.sess, nil
	}
	if a.sess != nil && a.sess.close != nil {
		_ = a.sess.close()
	}
	a.sess = nil
	if a.dial == nil {
		return nil, fmt.Errorf("rabbitmq: %w", amqp.ErrClosed)
	}
	sess, err := a.dial()
	if err != nil {
		return nil, err
	}
	if a.log != nil {
		a.log.Infof("rabbitmq reconnected", map[string]interface{}{"exchange": a.exchange})
	}
	a.sess = sess
	return sess, nil
}

// drop 丢弃已失效的会话，仅当它仍是当前会话
func (a *AMQPNotifier) drop(sess *amqpSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != sess || a.dial == nil {
		return
	}
	if sess.close != nil {
		_ = sess.close()
	}
	a.sess = nil
}

func (a *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	msg, err := Envelope(n)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	table := amqp.Table{}
	for k, v := range headers(n, tracing.StreamFields(ctx)) {
		table[k] = v
	}
	sess, err := a.session()
	if err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind(), err)
	}
	err = sess.ch.PublishWithContext(ctx, a.exchange, string(n.Kind()), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			a.drop(sess)
		}
		return fmt.Errorf("publish %s: %w", n.Kind(), err)
	}
	return nil
}

func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dial = nil
	if a.sess != nil && a.sess.close != nil {
		err := a.sess.close()
		a.sess = nil
		return err
	}
	return nil
}

// LogNotifier 只写日志，本地开发使用
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	msg, err := Envelope(n)
	if err != nil {
		return err
	}
	l.log.WithContext(ctx).Infof("notification", map[string]interface{}{
		"template":  msg.TemplateKey,
		"userID":    msg.UserID,
		"bookingID": msg.BookingID,
		"variables": msg.Variables,
	})
	return nil
}
