package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
)

type spyRecord struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records Info and Error calls, including fields added with With.
type spyLogger struct {
	log.Logger
	mu      *sync.Mutex
	records *[]spyRecord
	fields  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop(), mu: &sync.Mutex{}, records: &[]spyRecord{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	return &spyLogger{
		Logger:  s.Logger,
		mu:      s.mu,
		records: s.records,
		fields:  append(append([]any{}, s.fields...), kv...),
	}
}

func (s *spyLogger) add(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.fields...), kv...)
	*s.records = append(*s.records, spyRecord{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) { s.add("info", msg, nil, kv) }

func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add("error", msg, err, kv)
}

func (s *spyLogger) all() []spyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyRecord(nil), *s.records...)
}

func field(rec spyRecord, key string) (any, bool) {
	for i := 0; i+1 < len(rec.kv); i += 2 {
		if rec.kv[i] == key {
			return rec.kv[i+1], true
		}
	}
	return nil, false
}
