package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bigkaa/filestorm/internal/domain/model"
	"github.com/bigkaa/filestorm/internal/eventlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLog — управляемая реализация eventlog.Log для unit-тестов.
type fakeLog struct {
	newMessages  []eventlog.Message
	pendingTotal int64
	ownEntries   []eventlog.PendingEntry
	anyEntries   []eventlog.PendingEntry
	claimResult  []eventlog.Message
	streamLen    int64

	readErr  error
	claimErr error
	ackErr   error

	// blockRead: ReadNew блокируется до закрытия канала,
	// игнорируя отмену контекста
	blockRead chan struct{}

	ackedIDs    []string
	deletedIDs  []string
	claimedIDs  []string
	claimedIdle time.Duration
	readCalls   int
	lenCalls    int
	groupCalls  int
}

func (f *fakeLog) EnsureGroup(ctx context.Context) error {
	f.groupCalls++
	return nil
}

func (f *fakeLog) ReadNew(ctx context.Context, count int) ([]eventlog.Message, error) {
	f.readCalls++
	if f.blockRead != nil {
		<-f.blockRead
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	if count < len(f.newMessages) {
		return f.newMessages[:count], nil
	}
	return f.newMessages, nil
}

func (f *fakeLog) Ack(ctx context.Context, ids ...string) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.ackedIDs = append(f.ackedIDs, ids...)
	return nil
}

func (f *fakeLog) Del(ctx context.Context, ids ...string) error {
	f.deletedIDs = append(f.deletedIDs, ids...)
	return nil
}

func (f *fakeLog) PendingCount(ctx context.Context) (int64, error) {
	return f.pendingTotal, nil
}

func (f *fakeLog) PendingEntries(ctx context.Context, consumer string, count int) ([]eventlog.PendingEntry, error) {
	if consumer != "" {
		return f.ownEntries, nil
	}
	return f.anyEntries, nil
}

func (f *fakeLog) Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]eventlog.Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.claimedIDs = append(f.claimedIDs, ids...)
	f.claimedIdle = minIdle
	return f.claimResult, nil
}

func (f *fakeLog) Len(ctx context.Context) (int64, error) {
	f.lenCalls++
	return f.streamLen, nil
}

func (f *fakeLog) Ping(ctx context.Context) error { return nil }

// fakeStore — управляемая реализация eventStore.
type fakeStore struct {
	existing  map[string]struct{}
	insertErr error
	existErr  error

	insertedBatches [][]*model.FileEvent
}

func (f *fakeStore) ExistingMessageIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if f.existErr != nil {
		return nil, f.existErr
	}
	result := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := f.existing[id]; ok {
			result[id] = struct{}{}
		}
	}
	return result, nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, events []*model.FileEvent) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertedBatches = append(f.insertedBatches, events)
	return len(events), nil
}

// fakeDB — управляемая реализация store (Ping/Reconnect).
type fakeDB struct {
	pingErr      error
	reconnectErr error
	reconnects   int
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeDB) Reconnect(ctx context.Context) error {
	f.reconnects++
	return f.reconnectErr
}

// fakeUploader — управляемая реализация storage.Uploader.
type fakeUploader struct {
	url       string
	err       error
	uploads   int
	lastPath  string
	lastFname string
}

func (f *fakeUploader) Upload(ctx context.Context, localPath, originalFilename string) (string, error) {
	f.uploads++
	f.lastPath = localPath
	f.lastFname = originalFilename
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

// msgWithFields — сообщение stream с заданными полями.
func msgWithFields(t *testing.T, id string, fields map[string]string) eventlog.Message {
	t.Helper()
	return eventlog.Message{ID: id, Fields: fields}
}
