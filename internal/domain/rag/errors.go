package rag

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput 入参非法（空问题、空文本、错误分块参数），未产生任何副作用。
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyDocument 文档无可提取文本，属于入参非法的一种。
	ErrEmptyDocument = fmt.Errorf("%w: document has no extractable text", ErrInvalidInput)

	// ErrTenantRequired 缺少租户标识。
	ErrTenantRequired = errors.New("tenant id is required")

	// ErrLockTimeout 摄入锁等待超时。
	ErrLockTimeout = errors.New("ingest lock acquire timeout")

	// ErrDocumentNotFound 文档不存在或不属于该租户。
	ErrDocumentNotFound = errors.New("document not found")
)

// IngestionError 摄入失败（分块、嵌入全部失败或索引写入失败）。
type IngestionError struct {
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingestion failed: %s: %v", e.Reason, e.Err)
	}
	return "ingestion failed: " + e.Reason
}

func (e *IngestionError) Unwrap() error { return e.Err }

// GenerationError LLM 生成失败或超时。引擎不重试，由调用方决定。
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
