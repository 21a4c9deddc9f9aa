package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/memohai/imbridge/internal/channel"
)

type fakeConnectionObserver struct {
	items []channel.ConnectionStatus
}

func (f *fakeConnectionObserver) Statuses() []channel.ConnectionStatus {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{
				ConfigID:    "cfg-1",
				ChannelType: channel.ChannelType("dingtalk"),
				Running:     true,
				UpdatedAt:   now,
			},
			{
				ConfigID:    "cfg-2",
				ChannelType: channel.ChannelType("qqbot"),
				Running:     false,
				LastError:   "connect timeout",
				UpdatedAt:   now,
			},
		},
	})

	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(items))
	}

	var okFound bool
	var errFound bool
	for _, item := range items {
		if item.ID == "channel.connection.cfg-1" {
			okFound = true
			if item.Status != "ok" {
				t.Fatalf("expected ok for cfg-1, got %s", item.Status)
			}
		}
		if item.ID == "channel.connection.cfg-2" {
			errFound = true
			if item.Status != "error" {
				t.Fatalf("expected error for cfg-2, got %s", item.Status)
			}
			if item.Detail != "connect timeout" {
				t.Fatalf("unexpected detail: %s", item.Detail)
			}
		}
	}
	if !okFound || !errFound {
		t.Fatalf("expected checks for both configs")
	}
}

func TestCheckerNilObserver(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), nil)
	items := checker.ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected service warning check, got %d", len(items))
	}
	if items[0].Status != "warn" {
		t.Fatalf("expected warn status, got %s", items[0].Status)
	}
}

func TestCheckerStatusMapping(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{ConfigID: "dt-main", ChannelType: channel.ChannelType("dingtalk"), Running: true, LastError: "stream reset"},
			{ConfigID: "dt-old", ChannelType: channel.ChannelType("dingtalk")},
			{ChannelType: channel.ChannelType("dingtalk"), Running: true},
		},
	})
	items := checker.ListChecks(context.Background())
	if len(items) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(items))
	}
	if items[0].Status != "warn" || items[0].Detail != "stream reset" {
		t.Fatalf("running with error should warn, got %s %q", items[0].Status, items[0].Detail)
	}
	if items[1].Status != "error" || items[1].Summary != "Channel dingtalk connection is down." {
		t.Fatalf("stopped connection should error, got %s %q", items[1].Status, items[1].Summary)
	}
	if items[2].ID != "channel.connection.unknown_3" || items[2].Subtitle != "dingtalk" {
		t.Fatalf("unexpected fallback id %q subtitle %q", items[2].ID, items[2].Subtitle)
	}
	if _, ok := items[2].Metadata["updated_at"]; ok {
		t.Fatalf("zero update time should be omitted")
	}
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{{ConfigID: "a", Running: true}},
	})
	if items := checker.ListChecks(ctx); len(items) != 0 {
		t.Fatalf("expected no checks on canceled context, got %d", len(items))
	}
}
