// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供网关的 Prometheus 指标采集能力：入站 HTTP 请求、
Governor 准入决策与上游错误、以及每个 provider 当前的速率窗口占用。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 准入指标：gateway_admissions_total，按 provider/result 分组
    （accepted、rpm、tpm、rpd、tpr、error_limited）。
  - 上游错误计数：gateway_upstream_errors_total，按 provider 分组。
  - 速率窗口 Gauge：gateway_rpm_current / gateway_tpm_current /
    gateway_rpd_current，由 Governor 快照周期性写入。
*/
package metrics
