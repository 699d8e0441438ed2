package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Key layout. Segments are NUL-separated so ids may contain any printable
// character.
//
//	fb\x00{id}                  -> FeedbackEvent JSON
//	lb\x00{id}                  -> TruthLabel JSON
//	cons\x00{kind}\x00{id}\x00{edge} -> empty
//	adj\x00{edge}\x00{seq:020d}  -> WeightAdjustment JSON
const sep = "\x00"

var (
	prefixFeedback = []byte("fb" + sep)
	prefixLabel    = []byte("lb" + sep)
	prefixConsumed = []byte("cons" + sep)
	prefixAdjust   = []byte("adj" + sep)
	seqAdjust      = []byte("seq" + sep + "adj")
)

// BadgerOptions configures NewBadgerLedger.
type BadgerOptions struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerLedger is an embedded, durable Ledger for single-node deployments.
type BadgerLedger struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerLedger opens (or creates) a ledger at opts.Dir.
func NewBadgerLedger(opts BadgerOptions) (*BadgerLedger, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = bo.WithInMemory(true)
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}
	bo = bo.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("learning: open badger: %w", err)
	}
	seq, err := db.GetSequence(seqAdjust, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("learning: badger sequence: %w", err)
	}
	return &BadgerLedger{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (b *BadgerLedger) Close() error {
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("learning: release sequence: %w", err)
	}
	return b.db.Close()
}

func key(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func appendOnce(txn *badger.Txn, k []byte, v any) error {
	if _, err := txn.Get(k); err == nil {
		return ErrDuplicate
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func (b *BadgerLedger) AppendFeedback(_ context.Context, ev domain.FeedbackEvent) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return appendOnce(txn, key("fb", ev.ID), ev)
	})
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("learning: append feedback: %w", err)
	}
	return err
}

func (b *BadgerLedger) AppendLabel(_ context.Context, l domain.TruthLabel) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return appendOnce(txn, key("lb", l.ID), l)
	})
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("learning: append label: %w", err)
	}
	return err
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

func (b *BadgerLedger) Feedback(_ context.Context, id string) (domain.FeedbackEvent, error) {
	var ev domain.FeedbackEvent
	err := b.db.View(func(txn *badger.Txn) error { return getJSON(txn, key("fb", id), &ev) })
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ev, domain.NewNotFound(kindFeedbackEntity, id)
	}
	return ev, err
}

func (b *BadgerLedger) Label(_ context.Context, id string) (domain.TruthLabel, error) {
	var l domain.TruthLabel
	err := b.db.View(func(txn *badger.Txn) error { return getJSON(txn, key("lb", id), &l) })
	if errors.Is(err, badger.ErrKeyNotFound) {
		return l, domain.NewNotFound(kindLabelEntity, id)
	}
	return l, err
}

// scan calls fn for every key under prefix.
func scan(txn *badger.Txn, prefix []byte, values bool, fn func(k []byte, item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if err := fn(item.KeyCopy(nil), item); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerLedger) Pending(_ context.Context) (Pending, error) {
	var p Pending
	err := b.db.View(func(txn *badger.Txn) error {
		if err := scan(txn, prefixFeedback, true, func(_ []byte, item *badger.Item) error {
			var ev domain.FeedbackEvent
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				return err
			}
			if !ev.Processed {
				p.Feedback = append(p.Feedback, ev)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := scan(txn, prefixLabel, true, func(_ []byte, item *badger.Item) error {
			var l domain.TruthLabel
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &l) }); err != nil {
				return err
			}
			if !l.Processed {
				p.Labels = append(p.Labels, l)
			}
			return nil
		}); err != nil {
			return err
		}
		return scan(txn, prefixConsumed, false, func(k []byte, _ *badger.Item) error {
			parts := bytes.Split(k[len(prefixConsumed):], []byte(sep))
			if len(parts) != 3 {
				return fmt.Errorf("malformed consumption key %q", k)
			}
			p.markConsumed(eventKind(parts[0]), string(parts[1]), string(parts[2]))
			return nil
		})
	})
	if err != nil {
		return Pending{}, fmt.Errorf("learning: pending: %w", err)
	}
	sortPending(&p)
	return p, nil
}

func (b *BadgerLedger) Commit(_ context.Context, c Commit) error {
	var seq uint64
	if c.Adjustment != nil {
		var err error
		if seq, err = b.seq.Next(); err != nil {
			return fmt.Errorf("learning: commit %s: %w", c.EdgeID, err)
		}
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if c.EdgeID != "" {
			for _, ids := range []struct {
				kind eventKind
				ids  []string
			}{{kindFeedback, c.FeedbackIDs}, {kindLabel, c.LabelIDs}} {
				for _, id := range ids.ids {
					k := key("cons", string(ids.kind), id, c.EdgeID)
					if _, err := txn.Get(k); err == nil {
						return fmt.Errorf("%s %s: %w", ids.kind, id, ErrConsumed)
					} else if !errors.Is(err, badger.ErrKeyNotFound) {
						return err
					}
					if err := txn.Set(k, nil); err != nil {
						return err
					}
				}
			}
		}
		at := c.At
		for _, id := range c.FeedbackDone {
			var ev domain.FeedbackEvent
			if err := getJSON(txn, key("fb", id), &ev); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if ev.Processed {
				return fmt.Errorf("feedback %s: %w", id, ErrConsumed)
			}
			ev.Processed, ev.ProcessedAt, ev.SkipReason = true, &at, c.SkipReason
			if err := setJSON(txn, key("fb", id), ev); err != nil {
				return err
			}
		}
		for _, id := range c.LabelsDone {
			var l domain.TruthLabel
			if err := getJSON(txn, key("lb", id), &l); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if l.Processed {
				return fmt.Errorf("label %s: %w", id, ErrConsumed)
			}
			l.Processed, l.ProcessedAt = true, &at
			if err := setJSON(txn, key("lb", id), l); err != nil {
				return err
			}
		}
		if c.Adjustment != nil {
			return setJSON(txn, key("adj", c.EdgeID, fmt.Sprintf("%020d", seq)), c.Adjustment)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("learning: commit %s: %w", c.EdgeID, err)
	}
	return nil
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func (b *BadgerLedger) Adjustments(_ context.Context, edgeID string) ([]domain.WeightAdjustment, error) {
	var out []domain.WeightAdjustment
	prefix := append(key("adj", edgeID), sep...)
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, true, func(_ []byte, item *badger.Item) error {
			var a domain.WeightAdjustment
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("learning: adjustments %s: %w", edgeID, err)
	}
	return out, nil
}

func (b *BadgerLedger) AdjustedEdges(_ context.Context) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixAdjust, false, func(k []byte, _ *badger.Item) error {
			rest := k[len(prefixAdjust):]
			i := bytes.LastIndex(rest, []byte(sep))
			if i < 0 {
				return fmt.Errorf("malformed adjustment key %q", k)
			}
			// Keys are sorted, so equal edges are adjacent.
			if edge := string(rest[:i]); len(out) == 0 || out[len(out)-1] != edge {
				out = append(out, edge)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("learning: adjusted edges: %w", err)
	}
	return out, nil
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debug(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Debug(fmt.Sprintf(f, args...)) }
