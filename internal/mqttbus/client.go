package mqttbus

import (
	"fmt"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte)

// Will 遗嘱消息：broker在客户端异常掉线时代为发布
type Will struct {
	Topic    string
	Payload  string
	Retained bool
}

// Options 连接期回调与遗嘱配置
type Options struct {
	// Will 可选遗嘱消息
	Will *Will
	// OnConnect 每次连接建立（含自动重连）后调用
	OnConnect func()
	// OnConnectionLost 连接断开时调用
	OnConnectionLost func(err error)
}

// Client MQTT客户端封装
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
}

// NewClient 创建MQTT客户端并连接。回调在paho自己的goroutine里执行，
// 调用方应把实际处理转发到自己的事件循环
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger, opt Options) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	if opt.Will != nil {
		opts.SetWill(opt.Will.Topic, opt.Will.Payload, 0, opt.Will.Retained)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		if opt.OnConnect != nil {
			opt.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
		if opt.OnConnectionLost != nil {
			opt.OnConnectionLost(err)
		}
	})

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Client{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// PublishRetained 发布保留消息（QoS 0）
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, 0, true, payload)
}

// ClearRetained 发布空保留消息以清除broker上的保留值
func (c *Client) ClearRetained(topic string) error {
	return c.Publish(topic, 0, true, nil)
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
