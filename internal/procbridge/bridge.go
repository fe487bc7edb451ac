package procbridge

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/creack/pty"
)

const (
	// Rolling output buffer bounds: hard cap, trimmed to the most recent
	// half when exceeded. Keeps noisy processes from growing memory.
	maxBufferChars  = 1000
	trimBufferChars = 500
)

// Callbacks receive output from a supervised process. OnLine fires for each
// complete output line; OnPrompt fires once per detected prompt.
type Callbacks struct {
	OnLine   func(line string)
	OnPrompt func(prompt string)
}

type entry struct {
	id   string
	cmd  *exec.Cmd
	tty  *os.File
	done chan error

	mu            sync.Mutex
	buf           strings.Builder
	pendingPrompt string
}

// Bridge supervises one external interactive process per running job. It
// tail-scans combined output for prompts and exposes a write channel for
// injected input. An explicit instance, not a process-wide registry.
type Bridge struct {
	matcher PromptMatcher

	mu      sync.Mutex
	entries map[string]*entry
}

func New(matcher PromptMatcher) *Bridge {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	return &Bridge{
		matcher: matcher,
		entries: make(map[string]*entry),
	}
}

// Register starts cmd under a PTY and begins tail-scanning its combined
// output. The entry deregisters itself when the process exits.
func (b *Bridge) Register(id string, cmd *exec.Cmd, cb Callbacks) error {
	b.mu.Lock()
	if _, exists := b.entries[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("procbridge: %q already registered", id)
	}
	b.mu.Unlock()

	tty, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting process for %s: %w", id, err)
	}

	e := &entry{
		id:   id,
		cmd:  cmd,
		tty:  tty,
		done: make(chan error, 1),
	}

	b.mu.Lock()
	b.entries[id] = e
	b.mu.Unlock()

	go b.readLoop(e, cb)
	return nil
}

// WriteInput appends a newline and writes text to the process input channel,
// clearing any pending-prompt marker. Returns false if the process is
// unknown or its input is not writable.
func (b *Bridge) WriteInput(id, text string) bool {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok || e.tty == nil {
		return false
	}

	if _, err := e.tty.WriteString(text + "\n"); err != nil {
		log.Printf("procbridge: write to %s failed: %v", id, err)
		return false
	}

	e.mu.Lock()
	e.pendingPrompt = ""
	e.mu.Unlock()
	return true
}

// PendingPrompt returns the last detected, unanswered prompt for id.
func (b *Bridge) PendingPrompt(id string) (string, bool) {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingPrompt, e.pendingPrompt != ""
}

// Kill signals the process. Deregistration happens when the process exits
// and its read loop winds down; a signal the child ignores leaves the
// entry registered.
func (b *Bridge) Kill(id string, sig os.Signal) error {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("procbridge: unknown process %q", id)
	}
	if e.cmd.Process == nil {
		return fmt.Errorf("procbridge: %q has no process", id)
	}
	return e.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits and returns its exit error, if any.
func (b *Bridge) Wait(id string) error {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("procbridge: unknown process %q", id)
	}
	return <-e.done
}

func (b *Bridge) deregister(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

func (b *Bridge) readLoop(e *entry, cb Callbacks) {
	var lineBuf strings.Builder
	chunk := make([]byte, 4096)

	for {
		n, err := e.tty.Read(chunk)
		if n > 0 {
			for _, r := range string(chunk[:n]) {
				if r == '\n' {
					line := strings.TrimRight(lineBuf.String(), "\r")
					lineBuf.Reset()
					if cb.OnLine != nil {
						cb.OnLine(line)
					}
					continue
				}
				lineBuf.WriteRune(r)
			}
			b.scan(e, string(chunk[:n]), cb)
		}
		if err != nil {
			// PTY reads end with EIO when the process exits; either
			// way the entry is torn down.
			if err != io.EOF {
				log.Printf("procbridge: read for %s ended: %v", e.id, err)
			}
			break
		}
	}

	waitErr := e.cmd.Wait()
	e.tty.Close()
	b.deregister(e.id)
	e.done <- waitErr
}

// scan appends output to the rolling buffer and runs prompt detection on its
// trailing content. On a match the buffer is cleared so the same prompt is
// not re-matched.
func (b *Bridge) scan(e *entry, output string, cb Callbacks) {
	e.mu.Lock()
	e.buf.WriteString(output)
	if e.buf.Len() > maxBufferChars {
		s := e.buf.String()
		// Advance the cut to a rune start so the trim never leaves a
		// partial UTF-8 sequence at the head of the buffer.
		cut := len(s) - trimBufferChars
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		e.buf.Reset()
		e.buf.WriteString(s[cut:])
	}
	tail := e.buf.String()
	e.mu.Unlock()

	prompt, ok := b.matcher.Match(tail)
	if !ok {
		return
	}

	e.mu.Lock()
	e.buf.Reset()
	e.pendingPrompt = prompt
	e.mu.Unlock()

	if cb.OnPrompt != nil {
		cb.OnPrompt(prompt)
	}
}
