package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aeroledger-engine/internal/domain"

	"go.uber.org/zap"
)

const (
	readingTopicFilter   = "aeroledger/+/reading"
	controlTopicTemplate = "aeroledger/%s/control"
)

// ReadingHandler 读数入口（由 EngineService 实现）
type ReadingHandler interface {
	HandleReading(ctx context.Context, reading domain.SensorReading) error
}

// ReadingConsumer 传感器读数 MQTT 消费者
// 订阅 aeroledger/{device_id}/reading，解析后交给引擎处理
type ReadingConsumer struct {
	client  *Client
	handler ReadingHandler
	logger  *zap.Logger
}

// NewReadingConsumer 创建读数消费者
func NewReadingConsumer(client *Client, handler ReadingHandler, logger *zap.Logger) *ReadingConsumer {
	return &ReadingConsumer{
		client:  client,
		handler: handler,
		logger:  logger,
	}
}

// Start 订阅读数主题
func (c *ReadingConsumer) Start() error {
	if err := c.client.Subscribe(readingTopicFilter, c.handleMessage); err != nil {
		return fmt.Errorf("failed to start reading consumer: %w", err)
	}
	c.logger.Info("Reading consumer started", zap.String("topic", readingTopicFilter))
	return nil
}

// handleMessage 处理单条读数消息
// 设备 ID 以主题为准；载荷内的 device_id 缺省时由主题补齐，不一致则拒绝
func (c *ReadingConsumer) handleMessage(topic string, payload []byte) error {
	deviceID, err := deviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	var reading domain.SensorReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	if reading.DeviceID == "" {
		reading.DeviceID = deviceID
	} else if reading.DeviceID != deviceID {
		return fmt.Errorf("reading device_id %s does not match topic device %s", reading.DeviceID, deviceID)
	}

	return c.handler.HandleReading(context.Background(), reading)
}

// deviceIDFromTopic 从 aeroledger/{device_id}/reading 提取设备 ID
func deviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "aeroledger" || parts[1] == "" {
		return "", fmt.Errorf("unexpected reading topic: %s", topic)
	}
	return parts[1], nil
}

// ControlPublisher 控制指令 MQTT 发布器
type ControlPublisher struct {
	client *Client
	logger *zap.Logger
}

// NewControlPublisher 创建指令发布器
func NewControlPublisher(client *Client, logger *zap.Logger) *ControlPublisher {
	return &ControlPublisher{
		client: client,
		logger: logger,
	}
}

// PublishDirective 将指令发布到 aeroledger/{device_id}/control
func (p *ControlPublisher) PublishDirective(directive domain.ControlDirective) error {
	jsonData, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}

	topic := fmt.Sprintf(controlTopicTemplate, directive.DeviceID)
	if err := p.client.Publish(topic, jsonData); err != nil {
		return fmt.Errorf("failed to publish directive: %w", err)
	}

	p.logger.Debug("Directive published",
		zap.String("device_id", directive.DeviceID),
		zap.String("directive_id", directive.DirectiveID),
		zap.String("source", string(directive.Source)),
	)
	return nil
}
