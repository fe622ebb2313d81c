// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供网关的结构化错误体系，供 dispatcher、selector 等
上层包统一构造、传播和映射为 HTTP 响应。

# 核心类型

  - ErrorCode — 错误种类（UNKNOWN_MODEL、NO_CAPACITY、
    UPSTREAM_HTTP_ERROR、UPSTREAM_TRANSPORT_ERROR、
    MALFORMED_REQUEST、CONFIG_IO_ERROR）
  - Error     — 携带 Code / HTTPStatus / Retryable / Provider / Cause
    的结构化错误

# 主要能力

  - 构造链式 API：NewError(code, msg).WithCause(err).WithHTTPStatus(n)
  - GetErrorCode / IsRetryable：从 error 接口中提取分类信息
  - HTTPStatusFor：在未显式设置 HTTPStatus 时按 Code 给出默认状态码
*/
package types
