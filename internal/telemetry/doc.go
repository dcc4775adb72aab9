// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，为发现节点提供
// 集中式的 TracerProvider 和 MeterProvider 配置。导出的遥测数据带有
// 节点级资源属性（service.namespace、discovery.endpoint_count、
// discovery.federated），便于在采集端区分同一集群内的多个节点。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
