package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// DefaultLevel はログレベル未指定時に使用するレベル。
const DefaultLevel = "info"

// New は指定レベルでJSONを出力するロガーを生成する。
// writerがnilの場合は標準エラー出力に書き込む。
// levelには debug, info, warn, error, fatal のいずれかを指定する。
func New(level string, writer io.Writer) (zerolog.Logger, error) {
	if level == "" {
		level = DefaultLevel
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("ログレベルの解析に失敗: %w", err)
	}

	if writer == nil {
		writer = os.Stderr
	}

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger().
		Level(lvl), nil
}
