// Package config 提供 ServiceFlow 的配置管理功能。
//
// 包含配置加载与验证：支持从 YAML 文件和环境变量加载，
// 优先级为 默认值 → 文件 → 环境变量。
// 发现端点可显式配置列表，也可由单个远程节点地址合成。
package config
