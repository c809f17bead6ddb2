package oracle

import (
	"context"
	"fmt"
	"time"

	"aeroledger-engine/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Verdict 预测服务返回的风险判定
type Verdict struct {
	RiskScore      float64 `json:"risk_score"`     // 0-1
	Classification string  `json:"classification"` // 空气类型分类（cigarette / cooking / vehicle / chemical / clean / unknown）
	Rationale      string  `json:"rationale"`
}

// PredictRequest 预测请求（设备最近读数窗口）
type PredictRequest struct {
	DeviceID string                 `json:"device_id"`
	Readings []domain.SensorReading `json:"readings"`
}

// Client 预测服务客户端接口
// 决策引擎只依赖该接口；超时或出错时决策路径退回阈值结果，绝不阻塞等待
type Client interface {
	Predict(ctx context.Context, deviceID string, window []domain.SensorReading) (*Verdict, error)
}

// HTTPClient 基于 HTTP 的预测服务客户端
type HTTPClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPClient 创建预测服务客户端
// timeout 是整个调用的硬上限；超时后放弃在途请求（结果即使最终返回也被丢弃）
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		httpClient: client,
		logger:     logger,
	}
}

// Predict 咨询预测服务
func (c *HTTPClient) Predict(ctx context.Context, deviceID string, window []domain.SensorReading) (*Verdict, error) {
	request := PredictRequest{
		DeviceID: deviceID,
		Readings: window,
	}

	var verdict Verdict
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&verdict).
		Post("/v1/predict")

	if err != nil {
		c.logger.Warn("Oracle call failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to call prediction oracle: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("Oracle returned error status",
			zap.String("device_id", deviceID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, fmt.Errorf("prediction oracle returned status %d", resp.StatusCode())
	}
	if verdict.RiskScore < 0 || verdict.RiskScore > 1 {
		return nil, fmt.Errorf("prediction oracle returned invalid risk score: %f", verdict.RiskScore)
	}

	c.logger.Debug("Oracle verdict received",
		zap.String("device_id", deviceID),
		zap.Float64("risk_score", verdict.RiskScore),
		zap.String("classification", verdict.Classification),
	)
	return &verdict, nil
}
