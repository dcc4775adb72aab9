// Copyright (c) ServiceFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ServiceFlow 服务端程序入口。

# 概述

cmd/serviceflow 是 ServiceFlow 注册与发现节点的可执行入口，提供发现
协议 HTTP 服务、健康检查和版本查询等子命令。程序支持 YAML 配置文件
加载、结构化日志（zap）、Prometheus 指标采集以及 OpenTelemetry 链路
追踪。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动节点）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    CORS、RateLimiter（基于 IP）、OTelTracing、MetricsMiddleware
  - 发现协议端点：GET /discover、GET /discover/{id}/health、
    POST /register、GET /watch（WebSocket 事件流）
  - 远程轮询：ServiceDiscovery 按配置周期轮询对端节点并缓存快照
    （Redis 或进程内存）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止轮询 → 关闭 HTTP → 关闭 Metrics → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
