package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type postCall struct {
	kind      string // "post" or "edit"
	channelID string
	messageID string
	text      string
}

type fakePoster struct {
	mu      sync.Mutex
	calls   []postCall
	nextID  int
	failAll bool
}

func (f *fakePoster) Post(_ context.Context, channelID, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errors.New("chat unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.calls = append(f.calls, postCall{kind: "post", channelID: channelID, messageID: id, text: text})
	return id, nil
}

func (f *fakePoster) Edit(_ context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("chat unavailable")
	}
	f.calls = append(f.calls, postCall{kind: "edit", channelID: channelID, messageID: messageID, text: text})
	return nil
}

func (f *fakePoster) snapshot() []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postCall, len(f.calls))
	copy(out, f.calls)
	return out
}
