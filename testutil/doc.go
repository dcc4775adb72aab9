// Copyright 2026 ServiceFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 ServiceFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。所有测试应优先使用此包
中的工具函数和桩实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 桩服务: StubService 实现 discovery.Service，支持健康状态配置、
    panic 注入与调用计数
  - 事件记录: EventRecorder 并发安全地收集注册表与轮询器的变更事件
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON / Cap，简化测试数据构造

# 使用示例

	svc := testutil.NewStubService("chat-svc", "worker", testutil.Cap("chat", "1.2", "streaming"))
	recorder := testutil.NewEventRecorder()
	unsubscribe := registry.OnServiceChange(recorder.Listener())
	defer unsubscribe()
*/
package testutil
