package transfermux

import (
	"reflect"
	"slices"

	"github.com/joeycumines/logiface"
)

// completionRecord tracks one in-flight transfer. Its handler is called at
// most once, and release guarantees it is called at least once.
type completionRecord struct {
	transfer Transfer
	handler  CompletionFunc
	engine   Engine
	logger   *logiface.Logger[logiface.Event]
	seq      uint64
	handled  bool
}

// complete removes the transfer from the engine, then delivers err, if the
// record has not already been handled.
func (x *completionRecord) complete(err error) {
	if x.handled {
		return
	}
	if rerr := x.engine.Remove(x.transfer); rerr != nil {
		x.logger.Debug().
			Err(rerr).
			Log(`transfermux: engine remove failed`)
	}
	x.finish(err)
}

// finish delivers err without involving the engine, for transfers that were
// never added.
func (x *completionRecord) finish(err error) {
	if x.handled {
		return
	}
	// marked first, a handler canceling its own transfer must be a no-op
	x.handled = true
	x.handler(err)
}

// release must be called whenever a record is dropped.
func (x *completionRecord) release() {
	if !x.handled {
		x.complete(ErrAborted)
	}
}

// completionTable maps each pending transfer to its record.
type completionTable struct {
	records map[Transfer]*completionRecord
	seq     uint64
}

func (x *completionTable) get(t Transfer) *completionRecord {
	if !validTransfer(t) {
		return nil
	}
	return x.records[t]
}

// validTransfer reports whether t may be used as a table key.
func validTransfer(t Transfer) bool {
	return t != nil && reflect.TypeOf(t).Comparable()
}

func (x *completionTable) insert(r *completionRecord) {
	if x.records == nil {
		x.records = make(map[Transfer]*completionRecord)
	}
	x.seq++
	r.seq = x.seq
	if old := x.records[r.transfer]; old != nil {
		defer old.release()
	}
	x.records[r.transfer] = r
}

// erase removes r, if it is still the record for its transfer, then
// releases it.
func (x *completionTable) erase(r *completionRecord) {
	if x.records[r.transfer] == r {
		delete(x.records, r.transfer)
	}
	r.release()
}

func (x *completionTable) len() int {
	return len(x.records)
}

// snapshot returns the records, in submission order.
func (x *completionTable) snapshot() []*completionRecord {
	records := make([]*completionRecord, 0, len(x.records))
	for _, r := range x.records {
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b *completionRecord) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return records
}
