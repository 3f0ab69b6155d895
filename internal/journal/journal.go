package journal

import (
	"database/sql"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Journal is an append-only sqlite audit trail of placements, fills, matches
// and cancels. It is advisory: engine state is always rebuilt from exchange
// queries, never from the journal. Writes happen on a background goroutine so
// a slow disk cannot stall the tick.
type Journal struct {
	db     *sql.DB
	log    *zap.Logger
	events chan event
	done   chan struct{}
}

type event struct {
	at      time.Time
	kind    string
	payload []byte
}

func New(path string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	j := &Journal{
		db:     db,
		log:    log,
		events: make(chan event, 512),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Record encodes payload with msgpack and enqueues it. Drops the event when
// the queue is full rather than blocking the caller.
func (j *Journal) Record(kind string, payload any) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		j.log.Debug("journal encode failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	select {
	case j.events <- event{at: time.Now(), kind: kind, payload: data}:
	default:
		j.log.Debug("journal queue full, dropping event", zap.String("kind", kind))
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for ev := range j.events {
		if _, err := j.db.Exec(
			`INSERT INTO events (at, kind, payload) VALUES (?, ?, ?)`,
			ev.at.UnixMilli(), ev.kind, ev.payload,
		); err != nil {
			j.log.Warn("journal write failed", zap.String("kind", ev.kind), zap.Error(err))
		}
	}
}

func (j *Journal) Close() error {
	close(j.events)
	<-j.done
	return j.db.Close()
}
