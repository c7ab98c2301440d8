package rag

import "errors"

// 错误定义。
// 检索层的可恢复情形（未命中、后端降级、熔断）不会以 error 形式向上
// 传播，只有索引未初始化这类真正的意外才是硬错误。
var (
	ErrGraphNotBuilt  = errors.New("实体图尚未构建")
	ErrFactsNotReady  = errors.New("事实索引尚未初始化")
	ErrEmbedderNotSet = errors.New("未配置嵌入函数")
)
