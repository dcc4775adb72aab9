// 版权所有 2026 ServiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、发现轮询、注册表与变更事件四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册到调用方提供的 Registerer（缺省为默认注册表）。所有指标按
namespace 隔离，支持多维度 label 分组，便于 Grafana 等工具进行
可视化与告警。

# 主要能力

  - HTTP 指标：请求总数与请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 发现指标：端点轮询总数与轮询耗时，按 endpoint/status 分组。
  - 注册表指标：本地注册服务数与最近一次轮询已知服务数 Gauge。
  - 事件指标：变更事件计数（按类型）与健康检查计数（按状态）。
*/
package metrics
