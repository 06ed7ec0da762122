package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// LocalPrompter 终端 y/N 确认
type LocalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewLocalPrompter(in io.Reader, out io.Writer) *LocalPrompter {
	return &LocalPrompter{in: bufio.NewReader(in), out: out}
}

// Confirm 打印预览并读取回答；空行、n、no 以及输入结束都视为拒绝
func (p *LocalPrompter) Confirm(ctx context.Context, label, text string, previewLimit int) (bool, error) {
	preview, suffix := text, ""
	if previewLimit >= 0 && utf8.RuneCountInString(text) > previewLimit {
		preview, suffix = string([]rune(text)[:previewLimit]), "..."
	}
	fmt.Fprintf(p.out, "====== %s PREVIEW (%d chars) ======\n", strings.ToUpper(label), utf8.RuneCountInString(preview))
	fmt.Fprintf(p.out, "%s%s\n\n", preview, suffix)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(p.out, "Approve %s? [y/N]: ", label)
		line, err := p.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			return false, nil
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		fmt.Fprintln(p.out, "Please respond with 'y' or 'n'.")
	}
}
