package rag

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// isCJK reports whether r is a CJK ideograph, kana, or hangul rune.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// Terms 为 BM25 分词。
// ASCII 词按小写整词切分；CJK 串切为二元组（单字串保留单字），
// 使中文查询与语料使用同一套词项空间。
func Terms(text string) []string {
	var terms []string
	var word []rune
	var run []rune

	flushWord := func() {
		if len(word) > 0 {
			terms = append(terms, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushRun := func() {
		if len(run) == 1 {
			terms = append(terms, string(run))
		}
		for i := 0; i+1 < len(run); i++ {
			terms = append(terms, string(run[i:i+2]))
		}
		run = run[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			run = append(run, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushRun()
			word = append(word, r)
		default:
			flushWord()
			flushRun()
		}
	}
	flushWord()
	flushRun()
	return terms
}

// TokenCounter 估算文本 token 数，用于落地上下文的预算裁剪。
type TokenCounter interface {
	CountTokens(text string) int
}

// TiktokenCounter 基于 tiktoken 编码计数。
// 编码数据在首次使用时惰性加载（可能触发下载）。
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	logger   *zap.Logger
}

// NewTiktokenCounter 创建 tiktoken 计数器，encoding 为空时默认 cl100k_base。
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 返回文本 token 数。
// 编码初始化失败时回退到 CJK 感知估算并记录警告。
func (t *TiktokenCounter) CountTokens(text string) int {
	if err := t.init(); err != nil {
		t.logger.Warn("tiktoken init failed, falling back to estimate",
			zap.String("encoding", t.encoding),
			zap.Error(err))
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimatorCounter is a character-count-based token estimator.
// It distinguishes CJK and ASCII characters for better accuracy
// compared to a naive len/4 approach.
type EstimatorCounter struct{}

func (EstimatorCounter) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens estimates token count without an encoder.
// CJK characters ~1.5 chars/token, ASCII ~4 chars/token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	cjk := 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

// TrimToTokens 将文本裁剪到不超过 budget 个 token。
// 按比例缩短并复核，最多迭代若干次，避免逐 token 裁剪的开销。
func TrimToTokens(text string, budget int, counter TokenCounter) string {
	if budget <= 0 || counter == nil {
		return text
	}
	count := counter.CountTokens(text)
	if count <= budget {
		return text
	}

	runes := []rune(text)
	for i := 0; i < 8 && count > budget; i++ {
		keep := len(runes) * budget / count
		if keep >= len(runes) {
			keep = len(runes) - 1
		}
		if keep <= 0 {
			return ""
		}
		runes = runes[:keep]
		count = counter.CountTokens(string(runes))
	}
	return string(runes)
}
