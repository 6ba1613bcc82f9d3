package logsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rollbar/rollbar-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-realtime/core"
)

func newTestLogger(buf io.Writer) *RollbarLogger {
	logger := NewRollbarLogger(log.New(buf, "", 0), &core.Config{Env: "TEST", Build: "test"})
	logger.Enable(false)
	return logger
}

func TestRollbarLogger_print(t *testing.T) {
	tests := []struct {
		name string
		log  func(l *RollbarLogger)
		want string
	}{
		{
			name: "message only",
			log:  func(l *RollbarLogger) { l.Info("pipeline started") },
			want: "pipeline started\n",
		},
		{
			name: "error and extras",
			log: func(l *RollbarLogger) {
				l.Error("change feed error", fmt.Errorf("cursor killed"), map[string]interface{}{"attempt": 2})
			},
			want: "change feed error\ncursor killed\nmap[attempt:2]\n",
		},
		{
			name: "identity is not printed",
			log: func(l *RollbarLogger) {
				l.Warn("client dropped", core.Identity{ID: "42", Username: "awe"})
			},
			want: "client dropped\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(newTestLogger(&buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRollbarLogger_prepare(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	err := errors.New("boom")

	args := l.prepare("msg", []interface{}{err, core.Identity{ID: "1", Username: "awe"}, core.Identity{ID: "2"}})
	require.Len(t, args, 3)
	assert.Equal(t, []interface{}{"msg", err}, args[:2])

	ctx, ok := args[2].(context.Context)
	require.True(t, ok, "got %T", args[2])
	person, ok := rollbar.PersonFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, &rollbar.Person{Id: "1", Username: "awe"}, person)

	assert.Equal(t, []interface{}{"msg"}, l.prepare("msg", nil))
}

// Each websocket client logs from its own goroutines; run with -race.
func TestRollbarLogger_concurrentIdentities(t *testing.T) {
	l := newTestLogger(new(lockedBuffer))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.Identity{ID: strconv.Itoa(i), Username: "user" + strconv.Itoa(i)}
			for j := 0; j < 50; j++ {
				l.Debug("client frame dropped", id)
				args := l.prepare("check", []interface{}{id})
				person, _ := rollbar.PersonFromContext(args[1].(context.Context))
				if person.Id != id.ID {
					t.Errorf("person = %q; want %q", person.Id, id.ID)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
