package console

import (
	"io"
	"os"
	"sync"
)

// asyncWriter copies each write and hands it to a goroutine, so slow
// terminals never stall a command in progress.
type asyncWriter struct {
	dst  io.Writer
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newAsyncWriter(dst io.Writer) *asyncWriter {
	w := &asyncWriter{
		dst:  dst,
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.dst.Write(buf)
		}
	}()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// Close drains pending writes.
func (w *asyncWriter) Close() error {
	w.once.Do(func() { close(w.ch) })
	<-w.done
	return nil
}

type manager struct {
	once   sync.Once
	stdout *asyncWriter
	stderr *asyncWriter
}

var global manager

func initOutput() {
	global.once.Do(func() {
		global.stdout = newAsyncWriter(os.Stdout)
		global.stderr = newAsyncWriter(os.Stderr)
	})
}

// Stdout returns the process-wide asynchronous stdout writer.
func Stdout() io.Writer {
	initOutput()
	return global.stdout
}

// Stderr returns the process-wide asynchronous stderr writer.
func Stderr() io.Writer {
	initOutput()
	return global.stderr
}

// Flush drains stdout and stderr. Writing after Flush panics.
func Flush() {
	initOutput()
	global.stdout.Close()
	global.stderr.Close()
}
