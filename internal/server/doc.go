// 版权所有 2026 ServiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理发现节点的命名 HTTP 监听器：绑定、服务、
优雅关闭与系统信号监听。

# 概述

一个发现节点同时运行多个监听器（发现协议端口、metrics 端口），
每个监听器由一个 Manager 管理。Manager 以名称区分日志与错误来源，
内部用状态机（未启动/运行中/已关闭）约束生命周期转换，
支持 HTTP 与 TLS 两种启动模式。

# 核心类型

  - Manager：命名监听器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/StartTLS/Shutdown/WaitForShutdown
    等生命周期方法。
  - Config：单个监听器的配置（监听地址、读写超时、空闲超时、
    最大请求头大小、优雅关闭超时）；FromServerConfig 由应用级的
    config.ServerConfig 按端口派生监听器配置。

# 主要能力

  - 非阻塞启动：Start/StartTLS 在后台 goroutine 中运行服务循环，
    主线程不阻塞。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放，
    重复调用为空操作；未启动的监听器可直接关闭。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 与服务循环异常，
    触发后自动执行优雅关闭。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 状态查询：IsRunning/Name/BoundAddr 提供运行状态、监听器名称
    与实际绑定地址（":0" 配置下为内核分配的端口）。
*/
package server
