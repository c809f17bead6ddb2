package domain

import "time"

// Channel 传感器通道标识
type Channel string

const (
	ChannelPM25 Channel = "pm25"
	ChannelCO2  Channel = "co2"
	ChannelCO   Channel = "co"
	ChannelVOC  Channel = "voc"
)

// Channels 全部传感器通道（固定集合，评估时穷举处理）
var Channels = []Channel{ChannelPM25, ChannelCO2, ChannelCO, ChannelVOC}

// PrimaryChannels 主通道（烟雾/燃烧的直接指标，故障时升级为严重故障）
var PrimaryChannels = map[Channel]bool{
	ChannelPM25: true,
	ChannelCO:   true,
}

// SensorReading 设备上报的一次空气质量读数
// 设备端 JSON 格式：
//
//	{
//	    "device_id": "ESP32_001",
//	    "seq": 42,
//	    "timestamp": "2026-02-13T10:30:00Z",
//	    "pm25": 45.2,
//	    "co2": 850.0,
//	    "co": 12.5,
//	    "voc": 120.0
//	}
type SensorReading struct {
	DeviceID  string    `json:"device_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	PM25      float64   `json:"pm25"` // µg/m³
	CO2       float64   `json:"co2"`  // ppm
	CO        float64   `json:"co"`   // ppm
	VOC       float64   `json:"voc"`  // ppb
}

// Value 按通道取值
func (r *SensorReading) Value(ch Channel) float64 {
	switch ch {
	case ChannelPM25:
		return r.PM25
	case ChannelCO2:
		return r.CO2
	case ChannelCO:
		return r.CO
	case ChannelVOC:
		return r.VOC
	default:
		return 0
	}
}
