package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Console prints messages to a writer and copies files into Dir. The local
// test command uses it in place of a chat platform.
type Console struct {
	Out io.Writer
	Dir string

	mu   sync.Mutex
	next int
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, text string) (MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := strconv.Itoa(c.next)
	_, err := fmt.Fprintf(c.Out, "[%s] %s\n", id, text)
	return MessageRef{ChatID: "console", MessageID: id}, err
}

func (c *Console) Edit(_ context.Context, ref MessageRef, text string) error {
	_, err := fmt.Fprintf(c.Out, "[%s edited] %s\n", ref.MessageID, text)
	return err
}

func (c *Console) SendFile(_ context.Context, path, caption string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(c.Dir, filepath.Base(path))
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Out, "[file] %s -> %s\n", caption, dst)
	return err
}
