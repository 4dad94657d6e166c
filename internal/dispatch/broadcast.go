package dispatch

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// subscriberQueue bounds how many stdin lines a stalled host can fall
// behind before it starts missing input.
const subscriberQueue = 64

type subscriber struct {
	ch chan []byte
	pw *io.PipeWriter
}

// broadcaster fans local stdin lines out to every attached shell
// session. Each subscriber drains its own queue into its pipe, so one
// stalled host never blocks input to the rest.
type broadcaster struct {
	mu   sync.Mutex
	src  io.Reader
	subs map[string]*subscriber
	done bool
}

func newBroadcaster(src io.Reader) *broadcaster {
	return &broadcaster{
		src:  src,
		subs: make(map[string]*subscriber),
	}
}

// attach registers a host and returns the reader its session uses as
// stdin. Attaching after the broadcaster has shut down returns a reader
// at EOF.
func (b *broadcaster) attach(name string) io.Reader {
	pr, pw := io.Pipe()

	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		pw.Close()
		return pr
	}
	sub := &subscriber{ch: make(chan []byte, subscriberQueue), pw: pw}
	b.subs[name] = sub
	b.mu.Unlock()

	go func() {
		for line := range sub.ch {
			if _, err := pw.Write(line); err != nil {
				// Session went away; drain remaining lines.
				for range sub.ch {
				}
				return
			}
		}
		pw.Close()
	}()
	return pr
}

// detach unregisters a host; its stdin reader sees EOF once the queued
// lines drain.
func (b *broadcaster) detach(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// run reads lines from the source until EOF or cancellation and fans
// each one out. A subscriber with a full queue skips the line rather
// than stalling everyone else.
func (b *broadcaster) run(ctx context.Context) {
	scanner := bufio.NewScanner(b.src)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append(append([]byte(nil), scanner.Bytes()...), '\n')

		b.mu.Lock()
		for _, sub := range b.subs {
			select {
			case sub.ch <- line:
			default:
			}
		}
		b.mu.Unlock()
	}
	b.shutdown()
}

// shutdown closes every remaining subscriber so attached sessions see
// EOF on stdin.
func (b *broadcaster) shutdown() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.done = true
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
