package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/hons82/go-tcp-tunnel/mock"
)

func TestContext_Log(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mock.NewMockLogger(ctrl)
	b.EXPECT().Log("key", "val", "sufix", "")
	NewContext(b).With("sufix", "").Log("key", "val")

	b.EXPECT().Log("prefix", "", "key", "val")
	NewContext(b).WithPrefix("prefix", "").Log("key", "val")

	b.EXPECT().Log("prefix", "", "key", "val", "sufix", "")
	NewContext(b).With("sufix", "").WithPrefix("prefix", "").Log("key", "val")
}

func TestContext_WithDoesNotShareState(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mock.NewMockLogger(ctrl)
	base := NewContext(b).With("a", 1)
	first := base.With("dst", "10.0.0.1:80")
	second := base.With("dst", "10.0.0.2:9999")

	gomock.InOrder(
		b.EXPECT().Log("msg", "x", "a", 1, "dst", "10.0.0.1:80"),
		b.EXPECT().Log("msg", "x", "a", 1, "dst", "10.0.0.2:9999"),
	)
	first.Log("msg", "x")
	second.Log("msg", "x")
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newKitLogger(&buf, LevelInfo)
	l.Log("level", LevelInfo, "action", "forward start", "count", 1)
	l.Log("level", LevelDebug, "action", "dropped")

	var m map[string]interface{}
	if err := json.NewDecoder(&buf).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m["action"] != "forward start" {
		t.Errorf("unexpected record %v", m)
	}
	if _, ok := m["time"]; !ok {
		t.Error("missing time")
	}
	if buf.Len() != 0 {
		t.Errorf("debug record not filtered: %s", buf.String())
	}
}

func TestNewLogger_None(t *testing.T) {
	t.Parallel()

	l, err := NewLogger("none", LevelTrace)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Log("level", 0); err != nil {
		t.Fatal(err)
	}
}
