package bus

import (
	"strconv"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/segmentio/kafka-go"
)

// 消息头名称，平台侧按同名属性读取
const (
	HeaderCorrelationUID             = "CorrelationUid"
	HeaderOrganisationIdentification = "OrganisationIdentification"
	HeaderDeviceIdentification       = "DeviceIdentification"
	HeaderDomain                     = "Domain"
	HeaderDomainVersion              = "DomainVersion"
	HeaderMessageType                = "MessageType"
	HeaderIPAddress                  = "IpAddress"
	HeaderRetryCount                 = "RetryCount"
	HeaderIsScheduled                = "IsScheduled"
	HeaderResult                     = "Result"
	HeaderErrorMessage               = "ErrorMessage"
)

// EncodeHeaders 将元数据写入消息头，空字段不写
func EncodeHeaders(meta inter.MessageMetadata) []kafka.Header {
	headers := make([]kafka.Header, 0, 9)
	add := func(key, value string) {
		if value != "" {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
	}
	add(HeaderCorrelationUID, meta.CorrelationUID)
	add(HeaderOrganisationIdentification, meta.OrganisationIdentification)
	add(HeaderDeviceIdentification, meta.DeviceIdentification)
	add(HeaderDomain, meta.Domain)
	add(HeaderDomainVersion, meta.DomainVersion)
	add(HeaderMessageType, meta.MessageType)
	add(HeaderIPAddress, meta.IPAddress)
	add(HeaderRetryCount, strconv.Itoa(meta.RetryCount))
	add(HeaderIsScheduled, strconv.FormatBool(meta.IsScheduled))
	return headers
}

// DecodeHeaders 从消息头读取元数据，无法解析的数值字段取零值
func DecodeHeaders(headers []kafka.Header) inter.MessageMetadata {
	var meta inter.MessageMetadata
	for _, h := range headers {
		v := string(h.Value)
		switch h.Key {
		case HeaderCorrelationUID:
			meta.CorrelationUID = v
		case HeaderOrganisationIdentification:
			meta.OrganisationIdentification = v
		case HeaderDeviceIdentification:
			meta.DeviceIdentification = v
		case HeaderDomain:
			meta.Domain = v
		case HeaderDomainVersion:
			meta.DomainVersion = v
		case HeaderMessageType:
			meta.MessageType = v
		case HeaderIPAddress:
			meta.IPAddress = v
		case HeaderRetryCount:
			meta.RetryCount, _ = strconv.Atoi(v)
		case HeaderIsScheduled:
			meta.IsScheduled, _ = strconv.ParseBool(v)
		}
	}
	return meta
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
