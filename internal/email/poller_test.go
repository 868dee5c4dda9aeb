package email

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

type fakeMailbox struct {
	messages   []*FetchedMessage
	connectErr error
	fetchErr   error
	read       []uint32
}

func (f *fakeMailbox) Connect(context.Context) error { return f.connectErr }

// FetchUnseen returns the oldest unread messages, like the IMAP client
func (f *fakeMailbox) FetchUnseen(_ context.Context, limit int) ([]*FetchedMessage, error) {
	var unseen []*FetchedMessage
	for _, msg := range f.messages {
		if !slices.Contains(f.read, msg.UID) {
			unseen = append(unseen, msg)
		}
	}
	if limit > 0 && len(unseen) > limit {
		unseen = unseen[:limit]
	}
	return unseen, f.fetchErr
}

func (f *fakeMailbox) MarkAsRead(_ context.Context, uid uint32) error {
	f.read = append(f.read, uid)
	return nil
}

func (f *fakeMailbox) Disconnect() {}

func TestPollOnceMarksOnlyHandledMessagesRead(t *testing.T) {
	mailbox := &fakeMailbox{messages: []*FetchedMessage{
		{UID: 1, Raw: []byte("ok")},
		{UID: 2, Raw: []byte("fail")},
		{UID: 3, Raw: []byte("ok")},
	}}
	handler := func(_ context.Context, r io.Reader) error {
		b, _ := io.ReadAll(r)
		if string(b) == "fail" {
			return errors.New("store unavailable")
		}
		return nil
	}

	p := NewPoller(mailbox, PollerConfig{}, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	handled := p.PollOnce(context.Background())

	assert.Equal(t, 2, handled)
	assert.Equal(t, []uint32{1, 3}, mailbox.read)
}

func TestPollOnceConnectFailure(t *testing.T) {
	mailbox := &fakeMailbox{connectErr: errors.New("dial tcp: refused")}
	p := NewPoller(mailbox, PollerConfig{}, func(context.Context, io.Reader) error {
		t.Fatal("handler must not run")
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Zero(t, p.PollOnce(context.Background()))
}

func TestPollOnceDropsUnprocessableMessages(t *testing.T) {
	mailbox := &fakeMailbox{messages: []*FetchedMessage{
		{UID: 1, Raw: []byte("no-from")},
		{UID: 2, Raw: []byte("garbage")},
		{UID: 3, Raw: []byte("busy")},
		{UID: 4, Raw: []byte("ok")},
	}}
	var handled []string
	handler := func(_ context.Context, r io.Reader) error {
		b, _ := io.ReadAll(r)
		switch string(b) {
		case "no-from":
			return fmt.Errorf("%w: email has no sender", models.ErrInvalidRecord)
		case "garbage":
			return fmt.Errorf("%w: failed to read message: unexpected EOF", ErrMalformed)
		case "busy":
			return fmt.Errorf("failed to append email: %w", database.ErrUnavailable)
		}
		handled = append(handled, string(b))
		return nil
	}

	p := NewPoller(mailbox, PollerConfig{BatchSize: 2}, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 3; i++ {
		p.PollOnce(context.Background())
	}

	require.Equal(t, []string{"ok"}, handled)
	assert.ElementsMatch(t, []uint32{1, 2, 4}, mailbox.read)
}
